package rest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

type orderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	SizeType      string  `json:"size_type"`
}

type orderResponse struct {
	OrderID      string    `json:"order_id"`
	Status       string    `json:"status"`
	FillPrice    flexFloat `json:"fill_price"`
	FillQuantity flexFloat `json:"fill_quantity"`
	Message      string    `json:"message"`
}

type balanceResponse struct {
	TotalEquity flexFloat `json:"total_equity"`
	Available   flexFloat `json:"available"`
	Locked      flexFloat `json:"locked"`
}

type holdingJSON struct {
	Symbol   string    `json:"symbol"`
	Quantity flexFloat `json:"quantity"`
	Notional flexFloat `json:"notional"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// flexFloat accepts a JSON number or a numeric string, as venues commonly
// quote prices as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite number %q", s)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func (f flexFloat) Float64() float64 { return float64(f) }
