package common

import (
	"net/url"
	"strconv"
	"strings"
)

// OrderParams renders req as venue request parameters (unsigned).
func OrderParams(req OrderRequest) url.Values {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))

	if req.ClosePosition {
		params.Set("closePosition", "true")
	} else if req.Qty > 0 {
		params.Set("quantity", FormatFloat(req.Qty))
	}

	switch req.Type {
	case OrderTypeLimit, OrderTypeStopLossLimit:
		params.Set("price", FormatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}

	if req.Type.IsStop() {
		params.Set("stopPrice", FormatFloat(req.StopPrice))
		if req.WorkingType != "" {
			params.Set("workingType", req.WorkingType)
		}
	}

	if req.Type == OrderTypeTrailingStop {
		params.Set("callbackRate", FormatFloat(req.CallbackRate))
		if req.StopPrice > 0 {
			params.Set("activationPrice", FormatFloat(req.StopPrice))
		}
	}

	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}
	if req.ReduceOnly && !req.ClosePosition && req.Market != MarketSpot {
		params.Set("reduceOnly", "true")
	}
	// Futures default to ACK, which reports executedQty 0 even for a filled MARKET order.
	params.Set("newOrderRespType", "RESULT")
	return params
}

// ParamsToMap converts url.Values to the flat object the persistent trading API expects.
// Integer-looking timestamp and recvWindow values stay numeric.
func ParamsToMap(params url.Values) map[string]any {
	out := make(map[string]any, len(params))
	for k, vs := range params {
		if len(vs) == 0 {
			continue
		}
		v := vs[0]
		switch k {
		case "timestamp", "recvWindow", "orderId", "cancelOrderId":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				out[k] = n
				continue
			}
		}
		out[k] = v
	}
	return out
}
