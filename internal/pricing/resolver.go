// Package pricing превращает строку корзины в зафиксированную по цене позицию заказа.
package pricing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
)

// tierSuffixSeparator отделяет идентификатор ценового варианта от уточняющего суффикса.
const tierSuffixSeparator = ":"

// Причины, по которым строка корзины не попадает в заказ.
const (
	DropProductUnavailable = "product_unavailable"
	DropNoTiers            = "no_tiers"
)

// Snapshot — данные каталога, нужные для расчёта одной строки.
type Snapshot struct {
	Product   *domain.Product
	Tiers     []domain.PriceTier
	Modifiers map[string]domain.ModifierItem
	Season    *domain.Season
	Gift      *domain.Gift
}

// Resolution описывает, как была разрешена строка.
type Resolution struct {
	Dropped          bool
	DropReason       string
	TierFallback     bool
	DroppedModifiers int
}

// Option настраивает Resolver.
type Option func(*Resolver)

// WithStrictTiers запрещает подстановку первого ценового варианта вместо неизвестного.
func WithStrictTiers() Option {
	return func(r *Resolver) {
		r.strictTiers = true
	}
}

// Resolver рассчитывает позиции заказа. Не имеет состояния кроме настроек и безопасен для конкурентного использования.
type Resolver struct {
	strictTiers bool
}

// NewResolver создаёт Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve формирует шаблон позиции для строки корзины; вызывающий код размножает его по количеству.
func (r *Resolver) Resolve(line domain.CartLine, snap Snapshot) (domain.PricedLine, Resolution, error) {
	var res Resolution

	product := snap.Product
	if product == nil || !product.Enabled {
		res.Dropped = true
		res.DropReason = DropProductUnavailable
		return domain.PricedLine{}, res, nil
	}
	if len(snap.Tiers) == 0 {
		res.Dropped = true
		res.DropReason = DropNoTiers
		return domain.PricedLine{}, res, nil
	}

	tier, matched := matchTier(snap.Tiers, line.TierID)
	if !matched {
		if r.strictTiers {
			return domain.PricedLine{}, res, domain.NotFound(
				domain.KeyTierNotFound,
				fmt.Sprintf("price tier %q not found for product %s", line.TierID, product.ID),
			)
		}
		res.TierFallback = true
	}

	priced := domain.PricedLine{
		ProductID:  product.ID,
		Name:       product.Name,
		Picture:    pictureFor(tier, *product),
		Tier:       domain.TierRef{ID: tier.ID, Name: tier.Name},
		BaseAmount: tier.Price,
		Amount:     tier.Price,
	}

	switch {
	case line.SeasonID != "" && snap.Season != nil:
		priced.SeasonID = snap.Season.ID
		priced.Amount = snap.Season.Price
		priced.Discount = max(tier.Price-snap.Season.Price, 0)
	case line.GiftID != "" && snap.Gift != nil:
		priced.GiftID = snap.Gift.ID
		priced.Amount = 0
		priced.Discount = tier.Price
	}

	for _, id := range sortedModifierIDs(line.Modifiers) {
		qty := line.Modifiers[id]
		if qty <= 0 {
			continue
		}
		item, ok := snap.Modifiers[id]
		if !ok {
			res.DroppedModifiers++
			continue
		}
		modifier := domain.ModifierLine{
			ID:       item.ID,
			Name:     item.Name,
			Picture:  item.Picture,
			Amount:   item.Price,
			Quantity: qty,
		}
		priced.Amount += modifier.Total()
		priced.Modifiers = append(priced.Modifiers, modifier)
	}

	return priced, res, nil
}

// Expand размножает шаблон позиции: каждая единица товара отслеживается отдельно.
func Expand(template domain.PricedLine, quantity int) []domain.PricedLine {
	if quantity <= 0 {
		return nil
	}
	lines := make([]domain.PricedLine, 0, quantity)
	for i := 0; i < quantity; i++ {
		line := template
		line.Ready = false
		if template.Modifiers != nil {
			line.Modifiers = append([]domain.ModifierLine(nil), template.Modifiers...)
		}
		lines = append(lines, line)
	}
	return lines
}

// BaseTierID отрезает суффикс составного идентификатора "tier:suffix".
func BaseTierID(id string) string {
	if idx := strings.Index(id, tierSuffixSeparator); idx >= 0 {
		return id[:idx]
	}
	return id
}

// matchTier ищет вариант по идентификатору; пустой идентификатор означает вариант по умолчанию.
func matchTier(tiers []domain.PriceTier, requested string) (domain.PriceTier, bool) {
	if requested == "" {
		return tiers[0], true
	}
	id := BaseTierID(requested)
	for _, tier := range tiers {
		if tier.ID == id {
			return tier, true
		}
	}
	return tiers[0], false
}

func pictureFor(tier domain.PriceTier, product domain.Product) string {
	if tier.Picture != "" {
		return tier.Picture
	}
	if len(product.Gallery) > 0 {
		return product.Gallery[0]
	}
	return ""
}

func sortedModifierIDs(selection map[string]int) []string {
	if len(selection) == 0 {
		return nil
	}
	ids := make([]string, 0, len(selection))
	for id := range selection {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
