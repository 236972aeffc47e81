package domain

import (
	"fmt"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusUnpaid — заказ ждёт онлайн-оплаты.
	OrderStatusUnpaid OrderStatus = "unpaid"
	// OrderStatusNew — заказ принят и ждёт оператора.
	OrderStatusNew OrderStatus = "new"
	// OrderStatusProcessed — оператор взял заказ в работу.
	OrderStatusProcessed OrderStatus = "processed"
	// OrderStatusPreparing — заказ готовится на кухне.
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusGoing — курьер везёт заказ.
	OrderStatusGoing OrderStatus = "going"
	// OrderStatusDelivered — заказ передан клиенту.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusFinished — заказ завершён.
	OrderStatusFinished OrderStatus = "finished"
	// OrderStatusReturned — заказ вернулся оператору (отказ, недозвон).
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusCanceled — заказ отменён.
	OrderStatusCanceled OrderStatus = "canceled"
	// OrderStatusArchived — заказ убран в архив.
	OrderStatusArchived OrderStatus = "archived"
)

// Valid проверяет, что статус относится к известным значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusUnpaid, OrderStatusNew, OrderStatusProcessed, OrderStatusPreparing,
		OrderStatusGoing, OrderStatusDelivered, OrderStatusFinished, OrderStatusReturned,
		OrderStatusCanceled, OrderStatusArchived:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFinished, OrderStatusCanceled, OrderStatusArchived:
		return true
	default:
		return false
	}
}

// FulfillmentMode — способ получения заказа.
type FulfillmentMode string

const (
	ModeDelivery FulfillmentMode = "delivery"
	ModePickup   FulfillmentMode = "pickup"
	ModeInside   FulfillmentMode = "inside"
)

func (m FulfillmentMode) Valid() bool {
	return m == ModeDelivery || m == ModePickup || m == ModeInside
}

// Channel — откуда пришёл заказ.
type Channel string

const (
	ChannelApp  Channel = "app"
	ChannelSite Channel = "site"
)

func (c Channel) Valid() bool {
	return c == ChannelApp || c == ChannelSite
}

// Address — адрес доставки.
type Address struct {
	Street    string `json:"street"`
	House     string `json:"house,omitempty"`
	Apartment string `json:"apartment,omitempty"`
	Entrance  string `json:"entrance,omitempty"`
	Floor     string `json:"floor,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// TierRef фиксирует выбранный ценовой вариант товара.
type TierRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ModifierLine — добавка к позиции. Amount хранит цену за единицу.
type ModifierLine struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Picture  string `json:"picture,omitempty"`
	Amount   int64  `json:"amount"`
	Quantity int    `json:"quantity"`
}

// Total возвращает вклад добавки в сумму позиции.
func (m ModifierLine) Total() int64 {
	return m.Amount * int64(m.Quantity)
}

// PricedLine — одна физическая единица заказа с зафиксированной ценой.
type PricedLine struct {
	ProductID  string         `json:"product_id"`
	Name       string         `json:"name"`
	Picture    string         `json:"picture,omitempty"`
	Tier       TierRef        `json:"tier"`
	BaseAmount int64          `json:"base_amount"`
	Amount     int64          `json:"amount"`
	Discount   int64          `json:"discount"`
	Modifiers  []ModifierLine `json:"modifiers,omitempty"`
	SeasonID   string         `json:"season_id,omitempty"`
	GiftID     string         `json:"gift_id,omitempty"`
	Ready      bool           `json:"ready"`
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID              string          `json:"id"`
	PlaceID         string          `json:"place_id"`
	Sequence        int64           `json:"sequence"`
	Year            int             `json:"year"`
	Month           int             `json:"month"`
	Channel         Channel         `json:"channel"`
	Mode            FulfillmentMode `json:"mode"`
	PaymentMethodID string          `json:"payment_method_id"`
	PaymentType     PaymentType     `json:"payment_type"`
	Status          OrderStatus     `json:"status"`
	Progress        int             `json:"progress"`
	Items           []PricedLine    `json:"items"`
	Amount          int64           `json:"amount"`
	Discount        int64           `json:"discount"`
	CustomerID      string          `json:"customer_id,omitempty"`
	Name            string          `json:"name,omitempty"`
	Email           string          `json:"email,omitempty"`
	Phone           string          `json:"phone,omitempty"`
	Address         *Address        `json:"address,omitempty"`
	DesiredAt       *time.Time      `json:"desired_at,omitempty"`
	Comment         string          `json:"comment,omitempty"`
	HandledBy       string          `json:"handled_by,omitempty"`
	Test            bool            `json:"test,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Number возвращает человекочитаемый номер заказа.
func (o *Order) Number() string {
	return FormatOrderNumber(o.Sequence, o.Month)
}

// FormatOrderNumber рендерит номер вида "{seq}-{MM}"; отдельно он не хранится.
func FormatOrderNumber(seq int64, month int) string {
	return fmt.Sprintf("%d-%02d", seq, month)
}

// ReadyCount считает позиции, отмеченные готовыми.
func (o *Order) ReadyCount() int {
	ready := 0
	for _, item := range o.Items {
		if item.Ready {
			ready++
		}
	}
	return ready
}

// Clone возвращает глубокую копию заказа, чтобы хранилища не делили слайсы с вызывающим кодом.
func (o Order) Clone() Order {
	clone := o
	if o.Items != nil {
		clone.Items = make([]PricedLine, len(o.Items))
		for i, item := range o.Items {
			if item.Modifiers != nil {
				item.Modifiers = append([]ModifierLine(nil), item.Modifiers...)
			}
			clone.Items[i] = item
		}
	}
	if o.Address != nil {
		addr := *o.Address
		clone.Address = &addr
	}
	if o.DesiredAt != nil {
		at := *o.DesiredAt
		clone.DesiredAt = &at
	}
	return clone
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.PlaceID == "" {
		errs = append(errs, ErrPlaceRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrStatusUnknown)
	}
	if !o.Mode.Valid() {
		errs = append(errs, ErrModeUnknown)
	}
	if !o.Channel.Valid() {
		errs = append(errs, ErrChannelUnknown)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.Amount < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	var amount, discount int64
	for _, item := range o.Items {
		amount += item.Amount
		discount += item.Discount
	}
	if amount != o.Amount {
		errs = append(errs, ErrAmountMismatch)
	}
	if discount != o.Discount {
		errs = append(errs, ErrDiscountMismatch)
	}
	if o.ReadyCount() != o.Progress {
		errs = append(errs, ErrProgressMismatch)
	}

	return errs
}

// OrderFilter задаёт выборку заказов для списков оператора и клиента.
type OrderFilter struct {
	PlaceID    string
	CustomerID string
	Statuses   []OrderStatus
	Limit      int
}

// Matches проверяет, подходит ли заказ под фильтр.
func (f OrderFilter) Matches(order Order) bool {
	if f.PlaceID != "" && order.PlaceID != f.PlaceID {
		return false
	}
	if f.CustomerID != "" && order.CustomerID != f.CustomerID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if order.Status == status {
			return true
		}
	}
	return false
}
