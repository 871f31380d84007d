package models

import "time"

// Direction of a price movement.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// MovementEvent is a full-window price change that crossed the threshold.
type MovementEvent struct {
	ID         string
	Key        string
	Ticker     string
	URL        string
	Direction  Direction
	Percent    float64
	OldPrice   float64
	Price      float64
	Volume     float64
	MintRatio  int
	Timestamp  string
	DetectedAt time.Time
}
