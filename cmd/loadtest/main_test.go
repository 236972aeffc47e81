package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/vladislavdragonenkov/orderengine/internal/domain"
	grpcsvc "github.com/vladislavdragonenkov/orderengine/internal/service/grpc"
)

// fakeEngine хранит заказы в памяти и повторяет поведение движка в части, нужной сценариям.
type fakeEngine struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	keys     []string
	calls    []string
	submitFn func(*grpcsvc.SubmitCartRequest) error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{orders: make(map[string]domain.Order)}
}

func (f *fakeEngine) track(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) submit(ctx context.Context, in *grpcsvc.SubmitCartRequest) (*grpcsvc.SubmitCartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.track("SubmitCart")

	if f.submitFn != nil {
		if err := f.submitFn(in); err != nil {
			return nil, err
		}
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	if values := md.Get(idempotencyHeader); len(values) == 1 {
		f.keys = append(f.keys, values[0])
	}
	if incoming, ok := metadata.FromIncomingContext(ctx); ok {
		if values := incoming.Get(idempotencyHeader); len(values) == 1 {
			f.keys = append(f.keys, values[0])
		}
	}

	order := domain.Order{
		ID:         "order-" + in.Cart.Customer.ID,
		PlaceID:    in.Cart.PlaceID,
		Status:     domain.OrderStatusNew,
		CustomerID: in.Cart.Customer.ID,
		Test:       in.Cart.Test,
		Version:    1,
	}
	for _, line := range in.Cart.Lines {
		for i := 0; i < line.Quantity; i++ {
			order.Items = append(order.Items, domain.PricedLine{ProductID: line.ProductID, Tier: domain.TierRef{ID: line.TierID}})
		}
	}
	f.orders[order.ID] = order
	return &grpcsvc.SubmitCartResponse{Order: grpcsvc.NewOrderView(order)}, nil
}

func (f *fakeEngine) update(call, orderID string, apply func(*domain.Order) error) (*grpcsvc.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.track(call)

	order, ok := f.orders[orderID]
	if !ok {
		return nil, status.Error(codes.NotFound, "order not found")
	}
	if err := apply(&order); err != nil {
		return nil, err
	}
	order.Version++
	f.orders[orderID] = order
	return &grpcsvc.OrderResponse{Order: grpcsvc.NewOrderView(order)}, nil
}

func (f *fakeEngine) claim(in *grpcsvc.ClaimOrderRequest) (*grpcsvc.OrderResponse, error) {
	return f.update("ClaimOrder", in.OrderID, func(order *domain.Order) error {
		order.HandledBy = in.ActorID
		if order.Status == domain.OrderStatusNew {
			order.Status = domain.OrderStatusProcessed
		}
		return nil
	})
}

func (f *fakeEngine) progress(in *grpcsvc.ProgressRequest) (*grpcsvc.OrderResponse, error) {
	return f.update("SetProgress", in.OrderID, func(order *domain.Order) error {
		if in.Index < 0 || in.Index >= len(order.Items) {
			return status.Error(codes.InvalidArgument, "item index out of range")
		}
		order.Items[in.Index].Ready = true
		order.Progress = order.ReadyCount()
		if order.Progress == len(order.Items) {
			order.Status = domain.OrderStatusFinished
		}
		return nil
	})
}

func (f *fakeEngine) setStatus(in *grpcsvc.SetStatusRequest) (*grpcsvc.OrderResponse, error) {
	return f.update("SetStatus:"+string(in.Status), in.OrderID, func(order *domain.Order) error {
		if in.ExpectedVersion != nil && *in.ExpectedVersion != order.Version {
			return status.Error(codes.Aborted, "version conflict")
		}
		order.Status = in.Status
		return nil
	})
}

func (f *fakeEngine) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeClient вызывает fakeEngine напрямую, как это делал бы grpcsvc.Client.
type fakeClient struct {
	engine *fakeEngine
}

func (c fakeClient) SubmitCart(ctx context.Context, in *grpcsvc.SubmitCartRequest, _ ...grpc.CallOption) (*grpcsvc.SubmitCartResponse, error) {
	return c.engine.submit(ctx, in)
}

func (c fakeClient) ClaimOrder(_ context.Context, in *grpcsvc.ClaimOrderRequest, _ ...grpc.CallOption) (*grpcsvc.OrderResponse, error) {
	return c.engine.claim(in)
}

func (c fakeClient) SetProgress(_ context.Context, in *grpcsvc.ProgressRequest, _ ...grpc.CallOption) (*grpcsvc.OrderResponse, error) {
	return c.engine.progress(in)
}

func (c fakeClient) SetStatus(_ context.Context, in *grpcsvc.SetStatusRequest, _ ...grpc.CallOption) (*grpcsvc.OrderResponse, error) {
	return c.engine.setStatus(in)
}

// fakeServer отдаёт fakeEngine по gRPC для smoke-теста main.
type fakeServer struct {
	engine *fakeEngine
}

func (s fakeServer) SubmitCart(ctx context.Context, in *grpcsvc.SubmitCartRequest) (*grpcsvc.SubmitCartResponse, error) {
	return s.engine.submit(ctx, in)
}

func (s fakeServer) GetOrder(context.Context, *grpcsvc.GetOrderRequest) (*grpcsvc.GetOrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "not used by load scenarios")
}

func (s fakeServer) ListOrders(context.Context, *grpcsvc.ListOrdersRequest) (*grpcsvc.ListOrdersResponse, error) {
	return nil, status.Error(codes.Unimplemented, "not used by load scenarios")
}

func (s fakeServer) SetStatus(_ context.Context, in *grpcsvc.SetStatusRequest) (*grpcsvc.OrderResponse, error) {
	return s.engine.setStatus(in)
}

func (s fakeServer) ClaimOrder(_ context.Context, in *grpcsvc.ClaimOrderRequest) (*grpcsvc.OrderResponse, error) {
	return s.engine.claim(in)
}

func (s fakeServer) SetProgress(_ context.Context, in *grpcsvc.ProgressRequest) (*grpcsvc.OrderResponse, error) {
	return s.engine.progress(in)
}

func (s fakeServer) RevokeProgress(context.Context, *grpcsvc.ProgressRequest) (*grpcsvc.OrderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "not used by load scenarios")
}

var (
	_ engineClient              = fakeClient{}
	_ engineClient              = (*grpcsvc.Client)(nil)
	_ grpcsvc.OrderEngineServer = fakeServer{}
)

func withCLIArgs(t *testing.T, args []string, fn func()) {
	t.Helper()

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine

	os.Args = append([]string{"loadtest"}, args...)
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flag.CommandLine = fs

	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	fn()
}

func baseConfig(mode loadMode) config {
	return config{
		mode:        mode,
		timeout:     time.Second,
		placeID:     "airport",
		productID:   "margherita",
		tierID:      "small",
		quantity:    2,
		paymentID:   "cash",
		fulfillment: domain.ModePickup,
		customerTag: "load",
		operatorID:  "op-1",
		test:        true,
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    loadMode
		wantErr bool
	}{
		{input: "submit", want: modeSubmit},
		{input: " operator ", want: modeOperator},
		{input: "cancel", want: modeCancel},
		{input: "create-pay", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := parseMode(tc.input)
			if tc.wantErr {
				if err == nil || !strings.Contains(err.Error(), "unsupported mode") {
					t.Fatalf("expected unsupported mode error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected mode: got %q want %q", got, tc.want)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		withCLIArgs(t, nil, func() {
			cfg, err := parseConfig()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.mode != modeSubmit || cfg.fulfillment != domain.ModePickup || !cfg.test {
				t.Fatalf("unexpected defaults: %+v", cfg)
			}
			if cfg.totalSet {
				t.Fatal("expected totalSet=false without -total")
			}
		})
	})

	t.Run("overrides", func(t *testing.T) {
		withCLIArgs(t, []string{
			"-addr=127.0.0.1:50051",
			"-mode=operator",
			"-total=12",
			"-concurrency=3",
			"-connections=2",
			"-timeout=2s",
			"-cancel-rate=10",
			"-place=center",
			"-product=lemonade",
			"-tier=default",
			"-quantity=3",
			"-payment=terminal",
			"-fulfillment=delivery",
			"-test-orders=false",
			"-output=/tmp/out.json",
		}, func() {
			cfg, err := parseConfig()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !cfg.totalSet || cfg.total != 12 || cfg.concurrency != 3 || cfg.connections != 2 {
				t.Fatalf("unexpected numeric config: %+v", cfg)
			}
			if cfg.mode != modeOperator || cfg.fulfillment != domain.ModeDelivery || cfg.test {
				t.Fatalf("unexpected scenario config: %+v", cfg)
			}
			if cfg.placeID != "center" || cfg.productID != "lemonade" || cfg.tierID != "default" || cfg.quantity != 3 {
				t.Fatalf("unexpected cart config: %+v", cfg)
			}
			if cfg.timeout != 2*time.Second {
				t.Fatalf("unexpected timeout: %s", cfg.timeout)
			}
		})
	})

	t.Run("validation errors", func(t *testing.T) {
		tests := []struct {
			name    string
			args    []string
			wantErr string
		}{
			{name: "invalid duration", args: []string{"-duration=bad"}, wantErr: "parse duration"},
			{name: "invalid timeout", args: []string{"-timeout=soon"}, wantErr: "parse timeout"},
			{name: "negative duration", args: []string{"-duration=-1s"}, wantErr: "duration must be >= 0"},
			{name: "cancel rate", args: []string{"-cancel-rate=101"}, wantErr: "cancel-rate must be between 0 and 100"},
			{name: "empty total", args: []string{"-total=0"}, wantErr: "total must be > 0"},
			{name: "quantity", args: []string{"-quantity=0"}, wantErr: "quantity must be > 0"},
			{name: "fulfillment", args: []string{"-fulfillment=drone"}, wantErr: "unsupported fulfillment mode"},
			{name: "blank place", args: []string{"-place= "}, wantErr: "place is required"},
			{name: "mode", args: []string{"-mode=refund"}, wantErr: "unsupported mode"},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				withCLIArgs(t, tc.args, func() {
					_, err := parseConfig()
					if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
						t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
					}
				})
			})
		}
	})
}

func TestDispatchJobs(t *testing.T) {
	t.Parallel()

	drain := func(cfg config) []int {
		jobs := make(chan int, 8)
		go dispatchJobs(jobs, cfg)
		var got []int
		for job := range jobs {
			got = append(got, job)
		}
		return got
	}

	if got := drain(config{total: 5}); !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("count mode: got %v", got)
	}
	if got := drain(config{duration: time.Second, total: 3, totalSet: true}); len(got) != 3 {
		t.Fatalf("explicit total must cap duration mode, got %d jobs", len(got))
	}
	start := time.Now()
	if got := drain(config{duration: 20 * time.Millisecond, total: 1}); len(got) <= 1 {
		t.Fatalf("implicit total must not cap duration mode, got %d jobs", len(got))
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("duration mode stopped early after %s", elapsed)
	}
}

func TestBuildCart(t *testing.T) {
	cfg := baseConfig(modeSubmit)
	cart := buildCart(cfg, "load-1")
	if cart.PlaceID != "airport" || cart.Customer == nil || cart.Customer.ID != "load-1" || !cart.Test {
		t.Fatalf("unexpected cart: %+v", cart)
	}
	if cart.Quantity() != 2 || cart.Address != nil {
		t.Fatalf("unexpected pickup cart: %+v", cart)
	}

	cfg.fulfillment = domain.ModeDelivery
	if cart := buildCart(cfg, "load-2"); cart.Address == nil || cart.Address.Street == "" {
		t.Fatalf("delivery cart must carry an address: %+v", cart)
	}
}

func TestRunScenario_Submit(t *testing.T) {
	engine := newFakeEngine()
	col := newCollector()

	if err := runScenario(fakeClient{engine}, baseConfig(modeSubmit), 1, "run-1", col); err != nil {
		t.Fatalf("runScenario failed: %v", err)
	}
	if got := engine.callNames(); !slices.Equal(got, []string{"SubmitCart"}) {
		t.Fatalf("unexpected calls: %v", got)
	}
	if len(engine.keys) != 1 || engine.keys[0] != "lt-submit-run-1-1" {
		t.Fatalf("unexpected idempotency keys: %v", engine.keys)
	}
	order := engine.orders["order-load-run-1-1"]
	if !order.Test || len(order.Items) != 2 {
		t.Fatalf("unexpected stored order: %+v", order)
	}
}

func TestRunScenario_OperatorFinishesThroughProgress(t *testing.T) {
	engine := newFakeEngine()
	col := newCollector()

	if err := runScenario(fakeClient{engine}, baseConfig(modeOperator), 2, "run-1", col); err != nil {
		t.Fatalf("runScenario failed: %v", err)
	}
	want := []string{"SubmitCart", "ClaimOrder", "SetProgress", "SetProgress"}
	if got := engine.callNames(); !slices.Equal(got, want) {
		t.Fatalf("unexpected calls: got %v want %v", got, want)
	}
	order := engine.orders["order-load-run-1-2"]
	if order.Status != domain.OrderStatusFinished || order.HandledBy != "op-1" {
		t.Fatalf("unexpected order after operator flow: %+v", order)
	}

	progress, ok := col.snapshot("SetProgress")
	if !ok || progress.Calls != 2 || progress.Failed != 0 {
		t.Fatalf("unexpected SetProgress stats: %+v", progress)
	}
}

func TestRunScenario_CancelAndCancelRate(t *testing.T) {
	engine := newFakeEngine()
	col := newCollector()

	if err := runScenario(fakeClient{engine}, baseConfig(modeCancel), 3, "run-1", col); err != nil {
		t.Fatalf("cancel scenario failed: %v", err)
	}
	if got := engine.orders["order-load-run-1-3"].Status; got != domain.OrderStatusCanceled {
		t.Fatalf("expected canceled order, got %s", got)
	}

	cfg := baseConfig(modeOperator)
	cfg.cancelRate = 100
	if err := runScenario(fakeClient{engine}, cfg, 4, "run-1", col); err != nil {
		t.Fatalf("operator scenario failed: %v", err)
	}
	if got := engine.orders["order-load-run-1-4"].Status; got != domain.OrderStatusCanceled {
		t.Fatalf("cancel-rate=100 must cancel, got %s", got)
	}
}

func TestRunScenario_SubmitFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.submitFn = func(*grpcsvc.SubmitCartRequest) error {
		return status.Error(codes.FailedPrecondition, "place is closed")
	}
	col := newCollector()

	err := runScenario(fakeClient{engine}, baseConfig(modeOperator), 1, "run-1", col)
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
	scenario, ok := col.snapshot(scenarioMetric)
	if !ok || scenario.Failed != 1 || scenario.Codes[codes.FailedPrecondition.String()] != 1 {
		t.Fatalf("unexpected scenario stats: %+v", scenario)
	}
	if got := engine.callNames(); !slices.Equal(got, []string{"SubmitCart"}) {
		t.Fatalf("scenario must stop after failed submit: %v", got)
	}
}

func TestCollectorAndReport(t *testing.T) {
	c := newCollector()
	c.record(scenarioMetric, 10*time.Millisecond, codes.OK)
	c.record(scenarioMetric, 20*time.Millisecond, codes.Internal)
	c.record("SubmitCart", 15*time.Millisecond, codes.OK)

	r := c.buildReport(time.Now(), 2*time.Second)
	if r.Scenarios != 2 || r.SucceededOrders != 1 || r.FailedOrders != 1 {
		t.Fatalf("unexpected report totals: %+v", r)
	}
	if r.ErrorRate != 0.5 || r.OrdersPerSecond != 0.5 {
		t.Fatalf("unexpected rates: %+v", r)
	}
	if r.ScenarioLatencyMs.Max != 20 {
		t.Fatalf("unexpected scenario latency: %+v", r.ScenarioLatencyMs)
	}
	if _, ok := r.Calls["SubmitCart"]; !ok {
		t.Fatal("expected SubmitCart stats in report")
	}
	if _, ok := c.snapshot("ClaimOrder"); ok {
		t.Fatal("unexpected ClaimOrder snapshot")
	}
}

func TestUtilityFunctions(t *testing.T) {
	if got := grpcCode(nil); got != codes.OK {
		t.Fatalf("grpcCode(nil) = %s, want OK", got)
	}
	if got := grpcCode(status.Error(codes.Unavailable, "down")); got != codes.Unavailable {
		t.Fatalf("unexpected grpc code: %s", got)
	}
	if got := grpcCode(errors.New("plain")); got != codes.Unknown {
		t.Fatalf("plain error must map to Unknown, got %s", got)
	}

	if got := ratio(1, 4); got != 0.25 {
		t.Fatalf("ratio mismatch: %f", got)
	}
	if got := ratio(1, 0); got != 0 {
		t.Fatalf("ratio with zero total must be 0, got %f", got)
	}

	values := []float64{10, 20, 30, 40}
	summary := summarize(values)
	if summary.Min != 10 || summary.Max != 40 || summary.Avg != 25 || summary.P50 != 25 {
		t.Fatalf("unexpected latency summary: %+v", summary)
	}
	if got := percentile([]float64{7}, 99); got != 7 {
		t.Fatalf("single value percentile = %f", got)
	}

	if !shouldCancel(5, 10) || shouldCancel(15, 10) || shouldCancel(0, 0) || !shouldCancel(99, 100) {
		t.Fatal("unexpected cancel selection")
	}

	if got := runTarget(config{total: 50}); got != "count:50" {
		t.Fatalf("unexpected run target: %s", got)
	}
	if got := runTarget(config{duration: 2 * time.Second}); got != "duration:2s" {
		t.Fatalf("unexpected duration run target: %s", got)
	}
	if got := runTarget(config{duration: 2 * time.Second, total: 10, totalSet: true}); got != "duration:2s,max-total:10" {
		t.Fatalf("unexpected capped run target: %s", got)
	}
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")

	if err := writeJSONReport(path, report{Scenarios: 2, SucceededOrders: 2}); err != nil {
		t.Fatalf("writeJSONReport error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.Scenarios != 2 || decoded.SucceededOrders != 2 {
		t.Fatalf("unexpected decoded report: %+v", decoded)
	}

	if err := writeJSONReport("../escape.json", report{}); err == nil {
		t.Fatal("expected error for path outside working directory")
	}
	if err := writeJSONReport(".", report{}); err == nil {
		t.Fatal("expected error for directory path")
	}
}

func TestPrintReport(t *testing.T) {
	r := report{
		Scenarios:       2,
		SucceededOrders: 2,
		Calls: map[string]callReport{
			scenarioMetric: {Calls: 2, Success: 2},
			"SubmitCart":   {Calls: 2, Success: 2},
		},
	}

	var out bytes.Buffer
	printReport(&out, r, baseConfig(modeSubmit))

	text := out.String()
	if !strings.Contains(text, "Order engine load summary") || !strings.Contains(text, "place=airport") {
		t.Fatalf("expected summary header, got: %s", text)
	}
	if !strings.Contains(text, "SubmitCart: calls=2") {
		t.Fatalf("expected call section, got: %s", text)
	}
	if strings.Contains(text, scenarioMetric+": calls") {
		t.Fatalf("scenario must not be listed as a call: %s", text)
	}
}

func TestMainSmoke(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func(lis net.Listener) {
		if err := lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.Fatalf("close listener: %v", err)
		}
	}(lis)

	engine := newFakeEngine()
	srv := grpc.NewServer()
	grpcsvc.RegisterOrderEngineServer(srv, fakeServer{engine: engine})
	go func() {
		_ = srv.Serve(lis)
	}()
	defer srv.Stop()

	outPath := filepath.Join(t.TempDir(), "main-report.json")
	withCLIArgs(t, []string{
		"-addr=" + lis.Addr().String(),
		"-mode=operator",
		"-total=4",
		"-concurrency=2",
		"-connections=1",
		"-quantity=1",
		"-timeout=2s",
		"-output=" + outPath,
	}, func() {
		main()
	})

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("expected report file from main: %v", err)
	}
	var decoded report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.Scenarios != 4 || decoded.FailedOrders != 0 {
		t.Fatalf("unexpected main report: %+v", decoded)
	}
	if len(engine.keys) != 4 {
		t.Fatalf("expected idempotency key per submit, got %v", engine.keys)
	}
}
