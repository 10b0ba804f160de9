package connection

import (
	"encoding/json"
	"strconv"

	"execution-core/internal/events"
	"execution-core/pkg/exchanges/common"
)

type request struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int64  `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// Stream payloads carry keys that differ only by case ("e"/"E", "s"/"S"); every such pair is
// declared so encoding/json takes the exact match.

type markPriceMsg struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Settle    string `json:"P"`
}

type orderTradeMsg struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Order     struct {
		Symbol         string `json:"s"`
		Side           string `json:"S"`
		ClientOrderID  string `json:"c"`
		OrderType      string `json:"o"`
		Quantity       string `json:"q"`
		Price          string `json:"p"`
		AvgPrice       string `json:"ap"`
		ActivatePrice  string `json:"AP"`
		StopPrice      string `json:"sp"`
		ExecType       string `json:"x"`
		Status         string `json:"X"`
		OrderID        int64  `json:"i"`
		LastQty        string `json:"l"`
		LastPrice      string `json:"L"`
		FilledQty      string `json:"z"`
		Commission     string `json:"n"`
		CommissionAsst string `json:"N"`
		TradeTime      int64  `json:"T"`
		TradeID        int64  `json:"t"`
		ReduceOnly     bool   `json:"R"`
		PositionSide   string `json:"ps"`
	} `json:"o"`
}

type accountUpdateMsg struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Account   struct {
		Reason    string `json:"m"`
		Positions []struct {
			Symbol       string `json:"s"`
			Amount       string `json:"pa"`
			EntryPrice   string `json:"ep"`
			PositionSide string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

func parseMarkPrice(data []byte) (events.MarkPrice, error) {
	var m markPriceMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return events.MarkPrice{}, err
	}
	return events.MarkPrice{Symbol: m.Symbol, Price: common.ParseFloat(m.Price), EventTime: m.EventTime}, nil
}

func parseOrderUpdate(data []byte) (events.OrderUpdate, error) {
	var m orderTradeMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return events.OrderUpdate{}, err
	}
	o := m.Order
	return events.OrderUpdate{
		Symbol:        o.Symbol,
		ClientOrderID: o.ClientOrderID,
		Side:          o.Side,
		OrderType:     o.OrderType,
		Status:        o.Status,
		ExecType:      o.ExecType,
		OrderID:       o.OrderID,
		Price:         common.ParseFloat(o.Price),
		StopPrice:     common.ParseFloat(o.StopPrice),
		Quantity:      common.ParseFloat(o.Quantity),
		FilledQty:     common.ParseFloat(o.FilledQty),
		AvgPrice:      common.ParseFloat(o.AvgPrice),
		PositionSide:  o.PositionSide,
		ReduceOnly:    o.ReduceOnly,
		EventTime:     m.EventTime,
	}, nil
}

func parseAccountUpdate(data []byte) (events.AccountUpdate, error) {
	var m accountUpdateMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return events.AccountUpdate{}, err
	}
	out := events.AccountUpdate{Reason: m.Account.Reason, EventTime: m.EventTime}
	for _, p := range m.Account.Positions {
		out.Positions = append(out.Positions, events.PositionChange{
			Symbol:       p.Symbol,
			Amount:       common.ParseFloat(p.Amount),
			EntryPrice:   common.ParseFloat(p.EntryPrice),
			PositionSide: p.PositionSide,
		})
	}
	return out, nil
}

// orderAck decodes an order.place result (spot and futures share the relevant fields).
type orderAck struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	AvgPrice            string `json:"avgPrice"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (a orderAck) toResult(raw json.RawMessage) common.OrderResult {
	res := common.OrderResult{
		OrderID:     strconv.FormatInt(a.OrderID, 10),
		ClientID:    a.ClientOrderID,
		Symbol:      a.Symbol,
		Status:      common.MapStatus(a.Status),
		ExecutedQty: common.ParseFloat(a.ExecutedQty),
		AvgPrice:    common.ParseFloat(a.AvgPrice),
		Raw:         raw,
	}
	if res.AvgPrice == 0 && res.ExecutedQty > 0 {
		res.AvgPrice = common.ParseFloat(a.CummulativeQuoteQty) / res.ExecutedQty
	}
	return res
}
