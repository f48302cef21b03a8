package model

import "time"

// Score 一轮比较的记录，写入后不再修改
type Score struct {
	ID              string    `json:"id"`
	Slider1         float64   `json:"slider1"`
	Slider2         float64   `json:"slider2"`
	Image1ID        string    `json:"image1_id"`
	Image2ID        string    `json:"image2_id"`
	Image1URL       string    `json:"image1_url"`
	Image2URL       string    `json:"image2_url"`
	RelationalScore float64   `json:"relational_score"` // |slider1 - slider2|
	Date            time.Time `json:"date"`
}
