package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"qmt-monitor-go/internal/eventbus"
)

// PaperGateway simulates the broker in-process. It enforces the lot and T+1 rules,
// keeps cash and positions, and publishes callbacks on the bus the way the bridge does.
type PaperGateway struct {
	bus    eventbus.Bus
	logger *zap.Logger
	now    func() time.Time

	// AutoFill fills every accepted order at its submitted (or last) price after FillDelay.
	AutoFill  bool
	FillDelay time.Duration

	mu        sync.Mutex
	connected bool
	accountID string
	nextID    int64
	cash      float64
	frozen    float64
	prices    map[string]float64
	positions map[string]*Position
	orders    map[int64]*Order
}

// NewPaperGateway creates a simulated account holding cash.
func NewPaperGateway(accountID string, cash float64, bus eventbus.Bus, logger *zap.Logger) *PaperGateway {
	return &PaperGateway{
		bus:       bus,
		logger:    logger.Named("paper-gateway"),
		now:       time.Now,
		FillDelay: 500 * time.Millisecond,
		accountID: accountID,
		nextID:    1000,
		cash:      cash,
		prices:    make(map[string]float64),
		positions: make(map[string]*Position),
		orders:    make(map[int64]*Order),
	}
}

func (p *PaperGateway) Connect(ctx context.Context) error {
	p.mu.Lock()
	already := p.connected
	p.connected = true
	p.mu.Unlock()
	if !already {
		p.publish(eventbus.KindAccountStatus, eventbus.AccountStatusEvent{AccountID: p.accountID, AccountType: "STOCK", Status: 0})
	}
	return nil
}

func (p *PaperGateway) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Disconnect simulates a dropped session.
func (p *PaperGateway) Disconnect(reason string) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.publish(eventbus.KindDisconnected, eventbus.DisconnectedEvent{Reason: reason})
}

func (p *PaperGateway) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// SetPrice sets the last traded price used for market orders and synthetic bars.
func (p *PaperGateway) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// SetPosition overwrites the holding for symbol.
func (p *PaperGateway) SetPosition(symbol string, volume, canSell int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if volume <= 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = &Position{Symbol: symbol, Volume: volume, CanSell: canSell}
}

// SettleDay makes every held share sellable, as at the start of a new session.
func (p *PaperGateway) SettleDay() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range p.positions {
		pos.CanSell = pos.Volume
	}
}

// AddOrder registers an order as if it had been submitted earlier, e.g. before a restart.
func (p *PaperGateway) AddOrder(o Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := o
	p.orders[o.OrderID] = &cp
	if o.OrderID >= p.nextID {
		p.nextID = o.OrderID
	}
}

// SetOrderStatus changes an order's status without publishing a callback.
func (p *PaperGateway) SetOrderStatus(orderID int64, status OrderStatus, tradedPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok {
		o.Status = status
		o.StatusMsg = status.Name()
		if status.IsSuccess() {
			o.TradedVolume = o.Volume
			o.TradedPrice = tradedPrice
		}
	}
}

func (p *PaperGateway) Buy(ctx context.Context, symbol string, qty int64, price float64, pt PriceType) (int64, error) {
	if err := ValidateBuy(symbol, qty); err != nil {
		return 0, err
	}
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return 0, ErrNotConnected
	}
	execPrice, err := p.priceFor(symbol, price, pt)
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}
	cost := execPrice * float64(qty)
	if cost > p.cash-p.frozen {
		p.mu.Unlock()
		return 0, &RejectError{Reason: "资金不足"}
	}
	p.frozen += cost
	o := p.newOrder(symbol, OrderTypeStockBuy, qty, execPrice)
	p.mu.Unlock()

	p.accepted(o)
	return o.OrderID, nil
}

func (p *PaperGateway) Sell(ctx context.Context, symbol string, qty int64, price float64, pt PriceType) (int64, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return 0, ErrNotConnected
	}
	var pos *Position
	if held, ok := p.positions[symbol]; ok {
		cp := *held
		pos = &cp
	}
	if err := ValidateSell(symbol, qty, pos); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	execPrice, err := p.priceFor(symbol, price, pt)
	if err != nil {
		p.mu.Unlock()
		return 0, err
	}
	p.positions[symbol].CanSell -= qty
	o := p.newOrder(symbol, OrderTypeStockSell, qty, execPrice)
	p.mu.Unlock()

	p.accepted(o)
	return o.OrderID, nil
}

// priceFor must be called with p.mu held.
func (p *PaperGateway) priceFor(symbol string, price float64, pt PriceType) (float64, error) {
	if pt == PriceLimit && price > 0 {
		return price, nil
	}
	if last, ok := p.prices[symbol]; ok && last > 0 {
		return last, nil
	}
	if price > 0 {
		return price, nil
	}
	return 0, &RejectError{Reason: fmt.Sprintf("no price for %s", symbol)}
}

// newOrder must be called with p.mu held.
func (p *PaperGateway) newOrder(symbol string, orderType int, qty int64, price float64) Order {
	p.nextID++
	o := &Order{
		OrderID:   p.nextID,
		Symbol:    symbol,
		OrderType: orderType,
		Status:    StatusReported,
		StatusMsg: StatusReported.Name(),
		Price:     price,
		Volume:    qty,
		OrderTime: p.now().Unix(),
		Remark:    NewOrderRemark(),
	}
	p.orders[o.OrderID] = o
	return *o
}

func (p *PaperGateway) accepted(o Order) {
	p.logger.Info("Paper order accepted",
		zap.Int64("order_id", o.OrderID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side())),
		zap.Int64("qty", o.Volume),
		zap.Float64("price", o.Price))
	if !p.AutoFill {
		return
	}
	go func() {
		time.Sleep(p.FillDelay)
		p.publish(eventbus.KindOrderStatus, StatusEvent(o))
		if err := p.Fill(o.OrderID, o.Price); err != nil {
			p.logger.Warn("Paper auto-fill failed", zap.Int64("order_id", o.OrderID), zap.Error(err))
		}
	}()
}

// Fill completes orderID at price and publishes the SUCCEEDED status and Trade confirmation.
func (p *PaperGateway) Fill(orderID int64, price float64) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("paper order %d not found", orderID)
	}
	if o.Status.IsFinal() {
		p.mu.Unlock()
		return fmt.Errorf("paper order %d already %s", orderID, o.Status)
	}
	o.Status = StatusSucceeded
	o.StatusMsg = StatusSucceeded.Name()
	o.TradedVolume = o.Volume
	o.TradedPrice = price
	p.prices[o.Symbol] = price

	amount := price * float64(o.Volume)
	if o.OrderType == OrderTypeStockBuy {
		p.frozen -= o.Price * float64(o.Volume)
		p.cash -= amount
		pos, held := p.positions[o.Symbol]
		if !held {
			pos = &Position{Symbol: o.Symbol}
			p.positions[o.Symbol] = pos
		}
		pos.OpenPrice = (pos.OpenPrice*float64(pos.Volume) + amount) / float64(pos.Volume+o.Volume)
		pos.Volume += o.Volume
	} else {
		p.cash += amount
		if pos, held := p.positions[o.Symbol]; held {
			pos.Volume -= o.Volume
			if pos.Volume <= 0 {
				delete(p.positions, o.Symbol)
			}
		}
	}
	filled := *o
	p.mu.Unlock()

	p.publish(eventbus.KindOrderStatus, StatusEvent(filled))
	p.publish(eventbus.KindTrade, eventbus.TradeEvent{
		OrderID:     filled.OrderID,
		Symbol:      filled.Symbol,
		FilledQty:   filled.TradedVolume,
		FilledPrice: filled.TradedPrice,
		FilledAt:    p.now(),
	})
	return nil
}

// Reject turns orderID into a JUNK order and publishes OrderError.
func (p *PaperGateway) Reject(orderID int64, msg string) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("paper order %d not found", orderID)
	}
	p.release(o)
	o.Status = StatusJunk
	o.StatusMsg = msg
	p.mu.Unlock()

	p.publish(eventbus.KindOrderError, eventbus.OrderErrorEvent{OrderID: orderID, ErrorCode: -1, ErrorMsg: msg})
	return nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, orderID int64) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return ErrNotConnected
	}
	o, ok := p.orders[orderID]
	if !ok || !o.Cancelable() {
		p.mu.Unlock()
		p.publish(eventbus.KindCancelError, eventbus.CancelErrorEvent{OrderID: orderID, ErrorCode: -1, ErrorMsg: "order not cancelable"})
		return fmt.Errorf("order %d is not cancelable", orderID)
	}
	p.release(o)
	o.Status = StatusCanceled
	o.StatusMsg = StatusCanceled.Name()
	canceled := *o
	p.mu.Unlock()

	p.publish(eventbus.KindOrderStatus, StatusEvent(canceled))
	return nil
}

// release returns frozen cash or sellable shares held by an unfilled order. Caller holds p.mu.
func (p *PaperGateway) release(o *Order) {
	if o.Status.IsFinal() {
		return
	}
	if o.OrderType == OrderTypeStockBuy {
		p.frozen -= o.Price * float64(o.Volume)
		return
	}
	if pos, ok := p.positions[o.Symbol]; ok {
		pos.CanSell += o.Volume
	}
}

func (p *PaperGateway) QueryAccount(ctx context.Context) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var marketValue float64
	for sym, pos := range p.positions {
		price := p.prices[sym]
		if price == 0 {
			price = pos.OpenPrice
		}
		marketValue += price * float64(pos.Volume)
	}
	return &Account{
		AccountID:      p.accountID,
		Cash:           p.cash - p.frozen,
		FrozenCash:     p.frozen,
		MarketValue:    marketValue,
		TotalAsset:     p.cash + marketValue,
		PositionsCount: len(p.positions),
		Connected:      p.connected,
	}, nil
}

func (p *PaperGateway) QueryPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		cp.MarketValue = p.prices[pos.Symbol] * float64(pos.Volume)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperGateway) QueryPosition(ctx context.Context, symbol string) (*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (p *PaperGateway) QueryOrders(ctx context.Context, cancelableOnly bool) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Order, 0, len(p.orders))
	for _, o := range p.orders {
		if cancelableOnly && !o.Cancelable() {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// GetBars returns a deterministic synthetic series around the symbol's last price.
func (p *PaperGateway) GetBars(ctx context.Context, symbol, period string, count int) ([]Bar, error) {
	p.mu.Lock()
	base := p.prices[symbol]
	p.mu.Unlock()
	if base <= 0 {
		base = 10
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	phase := float64(h.Sum32()%360) * math.Pi / 180

	end := p.now().Truncate(time.Minute)
	bars := make([]Bar, count)
	for i := 0; i < count; i++ {
		t := float64(end.Unix()/60-int64(count-1-i)) / 15
		mid := base * (1 + 0.02*math.Sin(t+phase))
		bars[i] = Bar{
			Time:   end.Add(-time.Duration(count-1-i) * time.Minute),
			Open:   mid * 0.999,
			High:   mid * 1.003,
			Low:    mid * 0.997,
			Close:  mid,
			Volume: 1000,
		}
	}
	return bars, nil
}

func (p *PaperGateway) publish(kind eventbus.Kind, payload any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(context.Background(), kind, payload); err != nil {
		p.logger.Error("Publishing paper event failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

var _ Gateway = (*PaperGateway)(nil)
