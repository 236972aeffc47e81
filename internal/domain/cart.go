package domain

import "time"

// CartLine — строка корзины в том виде, в каком её прислал клиент.
type CartLine struct {
	ProductID string         `json:"product_id"`
	TierID    string         `json:"tier_id"`
	Quantity  int            `json:"quantity"`
	Modifiers map[string]int `json:"modifiers,omitempty"`
	SeasonID  string         `json:"season_id,omitempty"`
	GiftID    string         `json:"gift_id,omitempty"`
}

// Customer — профиль аутентифицированного клиента.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Contact — контакты, указанные в самом запросе.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Cart — оформляемый заказ целиком.
type Cart struct {
	PlaceID         string          `json:"place_id"`
	Channel         Channel         `json:"channel"`
	Mode            FulfillmentMode `json:"mode"`
	PaymentMethodID string          `json:"payment_method_id"`
	Customer        *Customer       `json:"customer,omitempty"`
	Contact         Contact         `json:"contact"`
	Address         *Address        `json:"address,omitempty"`
	DesiredAt       *time.Time      `json:"desired_at,omitempty"`
	Comment         string          `json:"comment,omitempty"`
	Test            bool            `json:"test,omitempty"`
	Lines           []CartLine      `json:"lines"`
}

// Quantity возвращает суммарное количество единиц в корзине.
func (c Cart) Quantity() int {
	total := 0
	for _, line := range c.Lines {
		if line.Quantity > 0 {
			total += line.Quantity
		}
	}
	return total
}
