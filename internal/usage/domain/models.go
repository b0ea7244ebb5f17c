// Package domain contains persistence models for per-day feature usage counters.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageCounter tracks how many times a user invoked a feature on one
// calendar day of the reporting timezone. At most one row exists per
// (user, feature, day); the count only increases within that day.
type UsageCounter struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	UserID      snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_user_feature_day,priority:1"`
	FeatureCode string       `gorm:"type:text;not null;uniqueIndex:ux_usage_user_feature_day,priority:2"`
	UsageDate   string       `gorm:"type:text;not null;uniqueIndex:ux_usage_user_feature_day,priority:3"`
	UsageCount  int64        `gorm:"not null"`
	LastUsedAt  time.Time    `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageCounter) TableName() string { return "usage_counters" }

// DateLayout is the stored calendar-day format.
const DateLayout = "2006-01-02"
