package domain

import "time"

// Типы объектов в дневной статистике.
const (
	StatObjectPlace   = "place"
	StatObjectProduct = "product"
	StatObjectSeason  = "season"
)

// StatIncrement — приращение дневного счётчика по объекту.
type StatIncrement struct {
	Day        time.Time
	ObjectType string
	ObjectID   string
	Purchases  int64
	Revenue    int64
}

// DailyStat — агрегированные покупки и выручка объекта за день.
type DailyStat struct {
	Day        time.Time
	ObjectType string
	ObjectID   string
	Purchases  int64
	Revenue    int64
	UpdatedAt  time.Time
}
