package domain

import "time"

// NotificationAudience — кому адресовано уведомление.
type NotificationAudience string

const (
	AudienceOperator NotificationAudience = "operator"
	AudienceCustomer NotificationAudience = "customer"
)

// Notification — сообщение для внешней доставки (мессенджер оператора, SMS или email клиента).
type Notification struct {
	ID          string               `json:"id"`
	Audience    NotificationAudience `json:"audience"`
	OrderID     string               `json:"order_id"`
	OrderNumber string               `json:"order_number"`
	PlaceID     string               `json:"place_id"`
	Status      OrderStatus          `json:"status"`
	Amount      int64                `json:"amount"`
	Name        string               `json:"name,omitempty"`
	Email       string               `json:"email,omitempty"`
	Phone       string               `json:"phone,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}
