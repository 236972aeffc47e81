package domain

// Product — снимок товара из каталога.
type Product struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name" yaml:"name"`
	Gallery []string `json:"gallery,omitempty" yaml:"gallery"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
}

// PriceTier — ценовой вариант товара (размер, вес).
type PriceTier struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Price   int64  `json:"price" yaml:"price"`
	Picture string `json:"picture,omitempty" yaml:"picture"`
}

// ModifierItem — добавка к товару.
type ModifierItem struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Picture string `json:"picture,omitempty" yaml:"picture"`
	Price   int64  `json:"price" yaml:"price"`
}

// Season — сезонное предложение с фиксированной ценой позиции.
type Season struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Price int64  `json:"price" yaml:"price"`
}

// Gift — подарок, обнуляющий стоимость позиции.
type Gift struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// PaymentType — тип способа оплаты.
type PaymentType string

const (
	PaymentTypeCash     PaymentType = "cash"
	PaymentTypeTerminal PaymentType = "terminal"
	PaymentTypeCard     PaymentType = "card"
	PaymentTypeOnline   PaymentType = "online"
)

// Deferred сообщает, что оплата проходит отдельно и заказ ждёт её в статусе unpaid.
func (t PaymentType) Deferred() bool {
	return t != PaymentTypeCash && t != PaymentTypeTerminal
}

// PaymentMethod — способ оплаты заведения.
type PaymentMethod struct {
	ID      string      `json:"id" yaml:"id"`
	Type    PaymentType `json:"type" yaml:"type"`
	Title   string      `json:"title" yaml:"title"`
	Enabled bool        `json:"enabled" yaml:"enabled"`
}
