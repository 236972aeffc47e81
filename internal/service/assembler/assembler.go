// Package assembler превращает корзину в сохранённый заказ: проверка, расчёт цен, нумерация и запись с событием outbox.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	"github.com/vladislavdragonenkov/orderengine/internal/metrics"
	"github.com/vladislavdragonenkov/orderengine/internal/pricing"
	"github.com/vladislavdragonenkov/orderengine/internal/sequence"
)

const defaultLookupConcurrency = 8

var tracer = otel.Tracer("github.com/vladislavdragonenkov/orderengine/internal/service/assembler")

// Deps — зависимости Assembler. Timeline, Metrics, Logger, Clock и генераторы ID необязательны.
type Deps struct {
	Catalog   domain.CatalogProvider
	Payments  domain.PaymentMethodProvider
	Places    domain.PlaceAvailability
	Orders    domain.OrderRepository
	Timeline  domain.TimelineRepository
	Sequences *sequence.Allocator
	Resolver  *pricing.Resolver
	Metrics   *metrics.EngineMetrics
	Logger    *log.Entry

	Clock      func() time.Time
	Location   *time.Location
	NewOrderID func() string
	NewEventID func() string

	// LookupConcurrency ограничивает параллельные запросы к каталогу.
	LookupConcurrency int
}

// Assembler собирает заказы из корзин.
type Assembler struct {
	catalog   domain.CatalogProvider
	payments  domain.PaymentMethodProvider
	places    domain.PlaceAvailability
	orders    domain.OrderRepository
	timeline  domain.TimelineRepository
	sequences *sequence.Allocator
	resolver  *pricing.Resolver
	metrics   *metrics.EngineMetrics
	logger    *log.Entry

	clock      func() time.Time
	location   *time.Location
	newOrderID func() string
	newEventID func() string
	lookups    int
}

// New проверяет обязательные зависимости и заполняет значения по умолчанию.
func New(deps Deps) (*Assembler, error) {
	switch {
	case deps.Catalog == nil:
		return nil, errors.New("assembler: catalog provider is required")
	case deps.Payments == nil:
		return nil, errors.New("assembler: payment method provider is required")
	case deps.Places == nil:
		return nil, errors.New("assembler: place availability is required")
	case deps.Orders == nil:
		return nil, errors.New("assembler: order repository is required")
	case deps.Sequences == nil:
		return nil, errors.New("assembler: sequence allocator is required")
	}

	a := &Assembler{
		catalog:    deps.Catalog,
		payments:   deps.Payments,
		places:     deps.Places,
		orders:     deps.Orders,
		timeline:   deps.Timeline,
		sequences:  deps.Sequences,
		resolver:   deps.Resolver,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		clock:      deps.Clock,
		location:   deps.Location,
		newOrderID: deps.NewOrderID,
		newEventID: deps.NewEventID,
		lookups:    deps.LookupConcurrency,
	}
	if a.resolver == nil {
		a.resolver = pricing.NewResolver()
	}
	if a.logger == nil {
		a.logger = log.WithField("component", "order-assembler")
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.location == nil {
		a.location = time.UTC
	}
	if a.newOrderID == nil {
		a.newOrderID = uuid.NewString
	}
	if a.newEventID == nil {
		a.newEventID = func() string { return ulid.Make().String() }
	}
	if a.lookups <= 0 {
		a.lookups = defaultLookupConcurrency
	}
	return a, nil
}

// Assemble проверяет корзину, рассчитывает позиции, выдаёт номер и сохраняет заказ вместе с событием.
// Ошибка до записи ничего не сохраняет и номер не расходует.
func (a *Assembler) Assemble(ctx context.Context, cart domain.Cart) (order domain.Order, err error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "assembler.Assemble")
	span.SetAttributes(
		attribute.String("place_id", cart.PlaceID),
		attribute.Int("lines", len(cart.Lines)),
		attribute.Bool("test", cart.Test),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.metrics.RecordAssemblyRejected(string(domain.KindOf(err)))
		}
		span.End()
	}()

	if err := validateCart(cart); err != nil {
		return domain.Order{}, err
	}

	contact := resolveContact(cart)
	if contact.Name == "" && cart.Customer == nil {
		operating, err := a.places.IsPlaceOperating(ctx, cart.PlaceID)
		if err != nil {
			return domain.Order{}, fmt.Errorf("check place %s availability: %w", cart.PlaceID, err)
		}
		if !operating {
			return domain.Order{}, domain.Validation(domain.KeyPlaceNotWorking, "place is not accepting anonymous orders now")
		}
	}

	method, ok, err := a.payments.GetPaymentMethod(ctx, cart.PaymentMethodID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("get payment method %s: %w", cart.PaymentMethodID, err)
	}
	if !ok || !method.Enabled {
		return domain.Order{}, domain.NotFound(domain.KeyPaymentMethodNotFound,
			fmt.Sprintf("payment method %q is not available", cart.PaymentMethodID))
	}

	snapshots, err := a.fetchSnapshots(ctx, cart.Lines)
	if err != nil {
		return domain.Order{}, err
	}

	items, err := a.priceLines(cart, snapshots)
	if err != nil {
		return domain.Order{}, err
	}
	if len(items) == 0 {
		return domain.Order{}, domain.AssemblyFailed("no orderable items left after pricing")
	}

	now := a.clock().UTC()
	scope := domain.ScopeAt(cart.PlaceID, now, a.location)
	seq, err := a.sequences.Next(ctx, scope)
	if err != nil {
		return domain.Order{}, err
	}

	order = domain.Order{
		ID:              a.newOrderID(),
		PlaceID:         cart.PlaceID,
		Sequence:        seq,
		Year:            scope.Year,
		Month:           scope.Month,
		Channel:         cart.Channel,
		Mode:            cart.Mode,
		PaymentMethodID: method.ID,
		PaymentType:     method.Type,
		Status:          initialStatus(method, cart.Test),
		Items:           items,
		Name:            contact.Name,
		Email:           contact.Email,
		Phone:           contact.Phone,
		Comment:         strings.TrimSpace(cart.Comment),
		Test:            cart.Test,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if cart.Customer != nil {
		order.CustomerID = cart.Customer.ID
	}
	if cart.Mode == domain.ModeDelivery && cart.Address != nil {
		addr := *cart.Address
		order.Address = &addr
	}
	if cart.DesiredAt != nil {
		at := cart.DesiredAt.UTC()
		order.DesiredAt = &at
	}
	for _, item := range items {
		order.Amount += item.Amount
		order.Discount += item.Discount
	}

	eventType := domain.EventOrderUpdated
	if order.Status == domain.OrderStatusNew {
		eventType = domain.EventOrderCreated
	}
	msg, err := domain.NewOrderEventMessage(domain.OrderEvent{
		ID:         a.newEventID(),
		Type:       eventType,
		Order:      order,
		OccurredAt: now,
	})
	if err != nil {
		return domain.Order{}, err
	}

	if err := a.orders.Create(ctx, order, msg); err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}

	a.appendTimeline(ctx, order)
	a.metrics.RecordOrderAssembled(string(order.Status), time.Since(started))
	span.SetAttributes(attribute.String("order_id", order.ID), attribute.String("order_number", order.Number()))

	a.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"number":   order.Number(),
		"place_id": order.PlaceID,
		"status":   order.Status,
		"items":    len(order.Items),
		"amount":   order.Amount,
	}).Info("order assembled")

	return order, nil
}

func validateCart(cart domain.Cart) error {
	if strings.TrimSpace(cart.PlaceID) == "" {
		return domain.Validation(domain.KeyPlaceRequired, "place_id is required")
	}
	if !cart.Mode.Valid() {
		return domain.Validation(domain.KeyModeInvalid, fmt.Sprintf("unknown fulfillment mode %q", cart.Mode))
	}
	if !cart.Channel.Valid() {
		return domain.Validation(domain.KeyChannelInvalid, fmt.Sprintf("unknown channel %q", cart.Channel))
	}
	if cart.Mode == domain.ModeDelivery && (cart.Address == nil || strings.TrimSpace(cart.Address.Street) == "") {
		return domain.Validation(domain.KeyAddressRequired, "delivery requires an address with a street")
	}
	if len(cart.Lines) == 0 {
		return domain.Validation(domain.KeyCartEmpty, "cart has no lines")
	}
	for i, line := range cart.Lines {
		if line.Quantity < 0 {
			return domain.Validation(domain.KeyQuantityInvalid, fmt.Sprintf("line %d has negative quantity", i))
		}
	}
	return nil
}

// resolveContact дополняет незаполненные контакты данными профиля клиента.
func resolveContact(cart domain.Cart) domain.Contact {
	contact := domain.Contact{
		Name:  strings.TrimSpace(cart.Contact.Name),
		Email: strings.TrimSpace(cart.Contact.Email),
		Phone: strings.TrimSpace(cart.Contact.Phone),
	}
	if cart.Customer == nil {
		return contact
	}
	if contact.Name == "" {
		contact.Name = cart.Customer.Name
	}
	if contact.Email == "" {
		contact.Email = cart.Customer.Email
	}
	if contact.Phone == "" {
		contact.Phone = cart.Customer.Phone
	}
	return contact
}

func initialStatus(method domain.PaymentMethod, test bool) domain.OrderStatus {
	if test || !method.Type.Deferred() {
		return domain.OrderStatusNew
	}
	return domain.OrderStatusUnpaid
}

// fetchSnapshots параллельно загружает данные каталога для строк с ненулевым количеством.
func (a *Assembler) fetchSnapshots(ctx context.Context, lines []domain.CartLine) ([]pricing.Snapshot, error) {
	snapshots := make([]pricing.Snapshot, len(lines))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.lookups)
	for i, line := range lines {
		if line.Quantity == 0 {
			continue
		}
		i, line := i, line
		g.Go(func() error {
			snap, err := a.fetchSnapshot(gctx, line)
			if err != nil {
				return fmt.Errorf("catalog lookup for line %d (%s): %w", i, line.ProductID, err)
			}
			snapshots[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (a *Assembler) fetchSnapshot(ctx context.Context, line domain.CartLine) (pricing.Snapshot, error) {
	var snap pricing.Snapshot

	product, ok, err := a.catalog.GetProduct(ctx, line.ProductID)
	if err != nil {
		return snap, err
	}
	if !ok {
		return snap, nil
	}
	snap.Product = &product

	if snap.Tiers, err = a.catalog.GetPriceTiers(ctx, product.ID); err != nil {
		return snap, err
	}

	if len(line.Modifiers) > 0 {
		ids := make([]string, 0, len(line.Modifiers))
		for id, qty := range line.Modifiers {
			if qty > 0 {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			if snap.Modifiers, err = a.catalog.GetModifierItems(ctx, ids); err != nil {
				return snap, err
			}
		}
	}

	if line.SeasonID != "" {
		season, ok, err := a.catalog.GetSeason(ctx, line.SeasonID)
		if err != nil {
			return snap, err
		}
		if ok {
			snap.Season = &season
		}
	}
	if line.GiftID != "" {
		gift, ok, err := a.catalog.GetGift(ctx, line.GiftID)
		if err != nil {
			return snap, err
		}
		if ok {
			snap.Gift = &gift
		}
	}
	return snap, nil
}

func (a *Assembler) priceLines(cart domain.Cart, snapshots []pricing.Snapshot) ([]domain.PricedLine, error) {
	items := make([]domain.PricedLine, 0, cart.Quantity())
	for i, line := range cart.Lines {
		if line.Quantity == 0 {
			continue
		}
		template, res, err := a.resolver.Resolve(line, snapshots[i])
		if err != nil {
			return nil, err
		}
		a.metrics.RecordDroppedModifiers(res.DroppedModifiers)
		if res.Dropped {
			a.metrics.RecordDroppedLine(res.DropReason)
			a.logger.WithFields(log.Fields{
				"place_id":   cart.PlaceID,
				"product_id": line.ProductID,
				"reason":     res.DropReason,
			}).Warn("cart line dropped")
			continue
		}
		if res.TierFallback {
			a.metrics.RecordTierFallback()
			a.logger.WithFields(log.Fields{
				"product_id": line.ProductID,
				"tier_id":    line.TierID,
				"used_tier":  template.Tier.ID,
			}).Warn("unknown price tier, first tier used")
		}
		items = append(items, pricing.Expand(template, line.Quantity)...)
	}
	return items, nil
}

func (a *Assembler) appendTimeline(ctx context.Context, order domain.Order) {
	if a.timeline == nil {
		return
	}
	event := domain.TimelineEvent{
		OrderID: order.ID,
		Type:    domain.TimelineOrderCreated,
		To:      order.Status,
		Reason:  fmt.Sprintf("order %s created as %s", order.Number(), order.Status),
		At:      order.CreatedAt,
	}
	if err := a.timeline.Append(ctx, event); err != nil {
		a.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to append timeline event")
		return
	}
	a.metrics.RecordTimelineEvent()
}
