package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/orderengine/internal/service/grpc"
)

const idempotencyHeader = "idempotency-key"

type loadMode string

const (
	// modeSubmit только оформляет корзины.
	modeSubmit loadMode = "submit"
	// modeOperator оформляет корзину, берёт заказ в работу и отмечает все позиции готовыми.
	modeOperator loadMode = "operator"
	// modeCancel оформляет корзину и сразу отменяет заказ.
	modeCancel loadMode = "cancel"
)

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	placeID     string
	productID   string
	tierID      string
	quantity    int
	paymentID   string
	fulfillment domain.FulfillmentMode
	customerTag string
	operatorID  string
	test        bool
	outputPath  string
}

// engineClient — часть клиента движка, которую использует нагрузка.
type engineClient interface {
	SubmitCart(ctx context.Context, in *grpcsvc.SubmitCartRequest, opts ...grpc.CallOption) (*grpcsvc.SubmitCartResponse, error)
	ClaimOrder(ctx context.Context, in *grpcsvc.ClaimOrderRequest, opts ...grpc.CallOption) (*grpcsvc.OrderResponse, error)
	SetProgress(ctx context.Context, in *grpcsvc.ProgressRequest, opts ...grpc.CallOption) (*grpcsvc.OrderResponse, error)
	SetStatus(ctx context.Context, in *grpcsvc.SetStatusRequest, opts ...grpc.CallOption) (*grpcsvc.OrderResponse, error)
}

func parseConfig() (config, error) {
	var cfg config
	var modeValue, fulfillmentValue, timeoutValue, durationValue string

	flag.StringVar(&cfg.addr, "addr", "localhost:50051", "order engine gRPC address")
	flag.IntVar(&cfg.total, "total", 400, "scenarios in count mode; with -duration only applied when set explicitly")
	flag.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 5m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flag.IntVar(&cfg.connections, "connections", 10, "number of gRPC client connections")
	flag.StringVar(&timeoutValue, "timeout", "5s", "per-call timeout")
	flag.StringVar(&modeValue, "mode", string(modeSubmit), "scenario: submit | operator | cancel")
	flag.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of operator scenarios canceled instead of finished (0..100)")
	flag.StringVar(&cfg.placeID, "place", "airport", "place id")
	flag.StringVar(&cfg.productID, "product", "margherita", "product id")
	flag.StringVar(&cfg.tierID, "tier", "small", "price tier id")
	flag.IntVar(&cfg.quantity, "quantity", 2, "units per cart")
	flag.StringVar(&cfg.paymentID, "payment", "cash", "payment method id (online orders stay unpaid)")
	flag.StringVar(&fulfillmentValue, "fulfillment", string(domain.ModePickup), "delivery | pickup | inside")
	flag.StringVar(&cfg.customerTag, "customer-tag", "load", "customer id prefix")
	flag.StringVar(&cfg.operatorID, "operator", "load-operator", "actor id for operator calls")
	flag.BoolVar(&cfg.test, "test-orders", true, "mark orders as test so they stay out of reporting and loyalty")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report path")
	flag.Parse()

	timeout, err := time.ParseDuration(strings.TrimSpace(timeoutValue))
	if err != nil {
		return cfg, fmt.Errorf("parse timeout: %w", err)
	}
	cfg.timeout = timeout

	duration, err := time.ParseDuration(strings.TrimSpace(durationValue))
	if err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	cfg.duration = duration

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	if cfg.mode, err = parseMode(modeValue); err != nil {
		return cfg, err
	}
	cfg.fulfillment = domain.FulfillmentMode(strings.TrimSpace(fulfillmentValue))
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg config) error {
	switch {
	case cfg.duration < 0:
		return errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return errors.New("total must be > 0 when set together with duration")
	case cfg.concurrency <= 0:
		return errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return errors.New("timeout must be > 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return errors.New("cancel-rate must be between 0 and 100")
	case cfg.quantity <= 0:
		return errors.New("quantity must be > 0")
	case !cfg.fulfillment.Valid():
		return fmt.Errorf("unsupported fulfillment mode: %s", cfg.fulfillment)
	}

	required := map[string]string{
		"place":        cfg.placeID,
		"product":      cfg.productID,
		"tier":         cfg.tierID,
		"payment":      cfg.paymentID,
		"customer-tag": cfg.customerTag,
		"operator":     cfg.operatorID,
	}
	for _, name := range []string{"place", "product", "tier", "payment", "customer-tag", "operator"} {
		if strings.TrimSpace(required[name]) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeSubmit, modeOperator, modeCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]engineClient, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewClient(conn))
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func(client engineClient) {
			defer wg.Done()
			for index := range jobs {
				_ = runScenario(client, cfg, index, runID, col)
			}
		}(clients[workerID%len(clients)])
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedOrders > 0 {
		os.Exit(1)
	}
}

// dispatchJobs выдаёт номера запросов: ровно total штук без duration, иначе до истечения duration
// (и не больше total, если он задан явно).
func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	var deadline <-chan time.Time
	if cfg.duration > 0 {
		timer := time.NewTimer(cfg.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	bounded := cfg.duration <= 0 || cfg.totalSet

	for i := 0; !bounded || i < cfg.total; i++ {
		select {
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

func buildCart(cfg config, customerID string) domain.Cart {
	cart := domain.Cart{
		PlaceID:         cfg.placeID,
		Channel:         domain.ChannelApp,
		Mode:            cfg.fulfillment,
		PaymentMethodID: cfg.paymentID,
		Customer:        &domain.Customer{ID: customerID},
		Contact:         domain.Contact{Name: "Load " + customerID, Phone: "+70000000000"},
		Test:            cfg.test,
		Lines: []domain.CartLine{{
			ProductID: cfg.productID,
			TierID:    cfg.tierID,
			Quantity:  cfg.quantity,
		}},
	}
	if cfg.fulfillment == domain.ModeDelivery {
		cart.Address = &domain.Address{Street: "Load street", House: "1"}
	}
	return cart
}

// runScenario проигрывает один заказ. Ошибка любого шага завершает сценарий с кодом этого шага.
func runScenario(client engineClient, cfg config, index int, runID string, col *collector) (err error) {
	started := time.Now()
	defer func() {
		col.record(scenarioMetric, time.Since(started), grpcCode(err))
	}()

	customerID := fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index)
	order, err := callSubmitCart(client, cfg.timeout, buildCart(cfg, customerID), fmt.Sprintf("lt-submit-%s-%d", runID, index), col)
	if err != nil {
		return err
	}
	if order.ID == "" {
		return status.Error(codes.Internal, "submit response returned empty order id")
	}

	switch {
	case cfg.mode == modeSubmit:
		return nil
	case cfg.mode == modeCancel || shouldCancel(index, cfg.cancelRate):
		_, err = callSetStatus(client, cfg.timeout, &grpcsvc.SetStatusRequest{
			OrderID: order.ID,
			Status:  domain.OrderStatusCanceled,
			ActorID: cfg.operatorID,
			Reason:  "load-cancel",
		}, col)
		return err
	}

	if order, err = callClaim(client, cfg.timeout, order.ID, cfg.operatorID, col); err != nil {
		return err
	}
	for i := range order.Items {
		if order, err = callSetProgress(client, cfg.timeout, order.ID, i, col); err != nil {
			return err
		}
	}
	if order.Status != domain.OrderStatusFinished {
		version := order.Version
		_, err = callSetStatus(client, cfg.timeout, &grpcsvc.SetStatusRequest{
			OrderID:         order.ID,
			Status:          domain.OrderStatusFinished,
			ExpectedVersion: &version,
			ActorID:         cfg.operatorID,
		}, col)
	}
	return err
}

func callSubmitCart(client engineClient, timeout time.Duration, cart domain.Cart, key string, col *collector) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, idempotencyHeader, key)

	start := time.Now()
	resp, err := client.SubmitCart(ctx, &grpcsvc.SubmitCartRequest{Cart: cart})
	col.record("SubmitCart", time.Since(start), grpcCode(err))
	if err != nil {
		return domain.Order{}, err
	}
	return resp.Order.Order, nil
}

func callClaim(client engineClient, timeout time.Duration, orderID, actorID string, col *collector) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.ClaimOrder(ctx, &grpcsvc.ClaimOrderRequest{OrderID: orderID, ActorID: actorID})
	col.record("ClaimOrder", time.Since(start), grpcCode(err))
	if err != nil {
		return domain.Order{}, err
	}
	return resp.Order.Order, nil
}

func callSetProgress(client engineClient, timeout time.Duration, orderID string, index int, col *collector) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.SetProgress(ctx, &grpcsvc.ProgressRequest{OrderID: orderID, Index: index})
	col.record("SetProgress", time.Since(start), grpcCode(err))
	if err != nil {
		return domain.Order{}, err
	}
	return resp.Order.Order, nil
}

func callSetStatus(client engineClient, timeout time.Duration, req *grpcsvc.SetStatusRequest, col *collector) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.SetStatus(ctx, req)
	col.record("SetStatus", time.Since(start), grpcCode(err))
	if err != nil {
		return domain.Order{}, err
	}
	return resp.Order.Order, nil
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}

func shouldCancel(index, cancelRate int) bool {
	switch {
	case cancelRate <= 0:
		return false
	case cancelRate >= 100:
		return true
	default:
		return index%100 < cancelRate
	}
}
