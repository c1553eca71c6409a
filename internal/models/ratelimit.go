package models

// RateLimitCounter is one fixed window for one key. The window rolls over
// lazily inside the increment statement.
type RateLimitCounter struct {
	BucketKey     string `gorm:"column:bucket_key;primaryKey;size:255"`
	WindowStartMs int64  `gorm:"column:window_start_ms;not null;index"`
	Hits          int64  `gorm:"column:hits;not null"`
}
