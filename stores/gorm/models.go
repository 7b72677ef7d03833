//go:build !wasm
// +build !wasm

package gorm

import "time"

// ItemModel is the GORM model for stored items
type ItemModel struct {
	Key       string    `gorm:"column:item_key;primaryKey;size:255"`
	Value     string    `gorm:"type:text"`
	UpdatedBy string    `gorm:"size:64"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (ItemModel) TableName() string {
	return "token_items"
}

// ChangeModel records one mutation. IDs only grow, so a poller remembers the
// last ID it saw.
type ChangeModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Key       string    `gorm:"column:item_key;size:255;index"`
	Value     string    `gorm:"type:text"`
	Removed   bool      `gorm:"default:false"`
	Origin    string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

func (ChangeModel) TableName() string {
	return "token_item_changes"
}
