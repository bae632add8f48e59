package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"qmt-monitor-go/internal/config"
	"qmt-monitor-go/internal/eventbus"
)

// OrderRemarkPrefix tags every order this process submits.
const OrderRemarkPrefix = "qmt-monitor"

// NewOrderRemark returns a unique remark for one submission.
func NewOrderRemark() string {
	return OrderRemarkPrefix + ":" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// BridgeGateway is the Gateway backed by the QMT bridge process. It is the only
// publisher of broker events and never touches the registry.
type BridgeGateway struct {
	rest      *RestClient
	bus       eventbus.Bus
	logger    *zap.Logger
	streamURL string

	mu           sync.Mutex
	connected    atomic.Bool
	streamCancel context.CancelFunc
	streamDone   chan struct{}
}

// NewBridgeGateway wires a REST client and the callback stream to bus.
func NewBridgeGateway(cfg *config.Broker, bus eventbus.Bus, logger *zap.Logger) *BridgeGateway {
	streamURL := cfg.StreamURL
	if streamURL == "" {
		streamURL = strings.Replace(strings.TrimRight(cfg.BridgeURL, "/"), "http", "ws", 1) + "/callbacks"
	}
	return &BridgeGateway{
		rest:      NewRestClient(cfg, logger),
		bus:       bus,
		logger:    logger.Named("bridge-gateway"),
		streamURL: streamURL,
	}
}

// Rest exposes the underlying client, e.g. as a bar source.
func (g *BridgeGateway) Rest() *RestClient {
	return g.rest
}

// Connect establishes the broker session and starts the callback stream. It is idempotent.
func (g *BridgeGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.connected.Load() {
		return nil
	}
	if err := g.rest.Connect(ctx); err != nil {
		g.connected.Store(false)
		return err
	}
	g.connected.Store(true)
	g.logger.Info("Broker session established")

	if g.streamCancel == nil {
		streamCtx, cancel := context.WithCancel(context.Background())
		g.streamCancel = cancel
		g.streamDone = make(chan struct{})
		stream := &callbackStream{
			url:    g.streamURL,
			logger: g.logger,
			onMsg:  g.translate,
			onUp:   g.onStreamUp,
			onDown: g.onStreamDown,
		}
		go func() {
			defer close(g.streamDone)
			stream.run(streamCtx)
		}()
	}
	return nil
}

func (g *BridgeGateway) IsConnected() bool {
	return g.connected.Load()
}

// Close stops the callback stream.
func (g *BridgeGateway) Close() error {
	g.mu.Lock()
	cancel, done := g.streamCancel, g.streamDone
	g.streamCancel, g.streamDone = nil, nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	g.connected.Store(false)
	return nil
}

func (g *BridgeGateway) Buy(ctx context.Context, symbol string, qty int64, price float64, pt PriceType) (int64, error) {
	if err := ValidateBuy(symbol, qty); err != nil {
		return 0, err
	}
	if !g.IsConnected() {
		return 0, ErrNotConnected
	}
	return g.place(ctx, symbol, OrderTypeStockBuy, qty, price, pt)
}

func (g *BridgeGateway) Sell(ctx context.Context, symbol string, qty int64, price float64, pt PriceType) (int64, error) {
	if !g.IsConnected() {
		return 0, ErrNotConnected
	}
	pos, err := g.QueryPosition(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if err := ValidateSell(symbol, qty, pos); err != nil {
		return 0, err
	}
	return g.place(ctx, symbol, OrderTypeStockSell, qty, price, pt)
}

func (g *BridgeGateway) place(ctx context.Context, symbol string, orderType int, qty int64, price float64, pt PriceType) (int64, error) {
	req := PlaceOrderRequest{
		Symbol:       symbol,
		OrderType:    orderType,
		Volume:       qty,
		PriceType:    pt.BrokerCode(),
		Price:        price,
		StrategyName: OrderRemarkPrefix,
		Remark:       NewOrderRemark(),
	}
	orderID, err := g.rest.PlaceOrder(ctx, req)
	if err != nil {
		return 0, err
	}
	g.logger.Info("Order submitted",
		zap.Int64("order_id", orderID),
		zap.String("symbol", symbol),
		zap.String("side", string(SideFromOrderType(orderType))),
		zap.Int64("qty", qty),
		zap.Float64("price", price),
		zap.String("remark", req.Remark))
	return orderID, nil
}

func (g *BridgeGateway) CancelOrder(ctx context.Context, orderID int64) error {
	if !g.IsConnected() {
		return ErrNotConnected
	}
	return g.rest.CancelOrder(ctx, orderID)
}

func (g *BridgeGateway) QueryAccount(ctx context.Context) (*Account, error) {
	acct, err := g.rest.QueryAsset(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := g.rest.QueryPositions(ctx)
	if err != nil {
		return nil, err
	}
	acct.PositionsCount = len(positions)
	acct.Connected = g.IsConnected()
	return acct, nil
}

func (g *BridgeGateway) QueryPositions(ctx context.Context) ([]Position, error) {
	return g.rest.QueryPositions(ctx)
}

func (g *BridgeGateway) QueryPosition(ctx context.Context, symbol string) (*Position, error) {
	positions, err := g.rest.QueryPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func (g *BridgeGateway) QueryOrders(ctx context.Context, cancelableOnly bool) ([]Order, error) {
	orders, err := g.rest.QueryOrders(ctx, cancelableOnly)
	if err != nil {
		return nil, err
	}
	if cancelableOnly {
		return CancelableOrders(orders), nil
	}
	return orders, nil
}

func (g *BridgeGateway) onStreamUp() {
	if g.connected.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.rest.Connect(ctx); err != nil {
		g.logger.Error("Broker session re-establish failed", zap.Error(err))
		return
	}
	g.connected.Store(true)
	g.logger.Info("Broker session re-established")
}

func (g *BridgeGateway) onStreamDown(reason string) {
	g.connected.Store(false)
	g.publish(eventbus.KindDisconnected, eventbus.DisconnectedEvent{Reason: reason})
}

// translate turns one bridge callback frame into a bus event.
func (g *BridgeGateway) translate(msg streamMessage) {
	switch msg.Type {
	case msgOrderStatus:
		var o Order
		if g.decode(msg, &o) {
			g.publish(eventbus.KindOrderStatus, StatusEvent(o))
		}
	case msgOrderError:
		var d orderErrorData
		if g.decode(msg, &d) {
			g.publish(eventbus.KindOrderError, eventbus.OrderErrorEvent{OrderID: d.OrderID, ErrorCode: d.ErrorID, ErrorMsg: d.ErrorMsg})
		}
	case msgTrade:
		var d tradeData
		if g.decode(msg, &d) {
			g.publish(eventbus.KindTrade, eventbus.TradeEvent{
				OrderID:     d.OrderID,
				Symbol:      d.Symbol,
				FilledQty:   d.TradedVolume,
				FilledPrice: d.TradedPrice,
				FilledAt:    time.Unix(d.TradedTime, 0),
			})
		}
	case msgCancelError:
		var d orderErrorData
		if g.decode(msg, &d) {
			g.publish(eventbus.KindCancelError, eventbus.CancelErrorEvent{OrderID: d.OrderID, ErrorCode: d.ErrorID, ErrorMsg: d.ErrorMsg})
		}
	case msgDisconnected:
		g.connected.Store(false)
		g.publish(eventbus.KindDisconnected, eventbus.DisconnectedEvent{Reason: "broker reported disconnect"})
	case msgAccountStatus:
		var d accountStatusData
		if g.decode(msg, &d) {
			g.publish(eventbus.KindAccountStatus, eventbus.AccountStatusEvent{AccountID: d.AccountID, AccountType: d.AccountType, Status: d.Status})
		}
	default:
		g.logger.Debug("Ignoring unknown callback", zap.String("type", msg.Type))
	}
}

func (g *BridgeGateway) decode(msg streamMessage, out any) bool {
	if err := json.Unmarshal(msg.Data, out); err != nil {
		g.logger.Warn("Malformed callback payload", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return true
}

func (g *BridgeGateway) publish(kind eventbus.Kind, payload any) {
	if err := g.bus.Publish(context.Background(), kind, payload); err != nil {
		g.logger.Error("Publishing broker event failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

var _ Gateway = (*BridgeGateway)(nil)

// String is used in logs.
func (g *BridgeGateway) String() string {
	return fmt.Sprintf("bridge(%s)", g.streamURL)
}
