package catalog

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

type schedule struct {
	loc        *time.Location
	open       time.Duration
	close      time.Duration
	alwaysOpen bool
}

func (s schedule) operating(now time.Time) bool {
	if s.alwaysOpen {
		return true
	}
	local := now.In(s.loc)
	y, m, d := local.Date()
	offset := local.Sub(time.Date(y, m, d, 0, 0, 0, 0, s.loc))
	if s.open == s.close {
		return false
	}
	if s.open < s.close {
		return offset >= s.open && offset < s.close
	}
	// Работа через полночь.
	return offset >= s.open || offset < s.close
}

// Provider отдаёт данные фикстуры через порты домена. Безопасен для конкурентного чтения: после создания не меняется.
type Provider struct {
	products  map[string]domain.Product
	tiers     map[string][]domain.PriceTier
	modifiers map[string]domain.ModifierItem
	seasons   map[string]domain.Season
	gifts     map[string]domain.Gift
	payments  map[string]domain.PaymentMethod
	places    map[string]schedule
	now       func() time.Time
}

// Option настраивает Provider.
type Option func(*Provider)

// WithClock подменяет часы для проверки расписания.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProvider строит индексы по фикстуре.
func NewProvider(f *File, opts ...Option) *Provider {
	p := &Provider{
		products:  make(map[string]domain.Product, len(f.Products)),
		tiers:     make(map[string][]domain.PriceTier, len(f.Products)),
		modifiers: make(map[string]domain.ModifierItem, len(f.Modifiers)),
		seasons:   make(map[string]domain.Season, len(f.Seasons)),
		gifts:     make(map[string]domain.Gift, len(f.Gifts)),
		payments:  make(map[string]domain.PaymentMethod, len(f.PaymentMethods)),
		places:    make(map[string]schedule, len(f.Places)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, entry := range f.Products {
		p.products[entry.ID] = entry.Product
		p.tiers[entry.ID] = append([]domain.PriceTier(nil), entry.Tiers...)
	}
	for _, m := range f.Modifiers {
		p.modifiers[m.ID] = m
	}
	for _, s := range f.Seasons {
		p.seasons[s.ID] = s
	}
	for _, g := range f.Gifts {
		p.gifts[g.ID] = g
	}
	for _, pm := range f.PaymentMethods {
		p.payments[pm.ID] = pm
	}
	for _, place := range f.Places {
		sch := schedule{loc: time.UTC, alwaysOpen: place.AlwaysOpen}
		if place.Timezone != "" {
			if loc, err := time.LoadLocation(place.Timezone); err == nil {
				sch.loc = loc
			}
		}
		if !place.AlwaysOpen {
			sch.open, _ = parseClock(place.OpenAt)
			sch.close, _ = parseClock(place.CloseAt)
		}
		p.places[place.ID] = sch
	}
	return p
}

func (p *Provider) GetProduct(ctx context.Context, id string) (domain.Product, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Product{}, false, err
	}
	product, ok := p.products[id]
	if ok {
		product.Gallery = append([]string(nil), product.Gallery...)
	}
	return product, ok, nil
}

func (p *Provider) GetPriceTiers(ctx context.Context, productID string) ([]domain.PriceTier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]domain.PriceTier(nil), p.tiers[productID]...), nil
}

// GetModifierItems возвращает найденные добавки; отсутствующие id просто не попадают в ответ.
func (p *Provider) GetModifierItems(ctx context.Context, ids []string) (map[string]domain.ModifierItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := make(map[string]domain.ModifierItem, len(ids))
	for _, id := range ids {
		if item, ok := p.modifiers[id]; ok {
			result[id] = item
		}
	}
	return result, nil
}

func (p *Provider) GetSeason(ctx context.Context, id string) (domain.Season, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Season{}, false, err
	}
	season, ok := p.seasons[id]
	return season, ok, nil
}

func (p *Provider) GetGift(ctx context.Context, id string) (domain.Gift, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Gift{}, false, err
	}
	gift, ok := p.gifts[id]
	return gift, ok, nil
}

func (p *Provider) GetPaymentMethod(ctx context.Context, id string) (domain.PaymentMethod, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentMethod{}, false, err
	}
	method, ok := p.payments[id]
	return method, ok, nil
}

// IsPlaceOperating проверяет расписание; заведение без расписания считается закрытым.
func (p *Provider) IsPlaceOperating(ctx context.Context, placeID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sch, ok := p.places[placeID]
	if !ok {
		return false, nil
	}
	return sch.operating(p.now()), nil
}

var (
	_ domain.CatalogProvider       = (*Provider)(nil)
	_ domain.PaymentMethodProvider = (*Provider)(nil)
	_ domain.PlaceAvailability     = (*Provider)(nil)
)
