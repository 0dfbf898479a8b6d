package indicators

// Summary computes the standard indicator set from OHLC arrays and flattens
// it into the snapshot's numeric indicator map. Indicators that cannot be
// computed from the available history are left out.
func Summary(high, low, closes []float64) map[string]float64 {
	out := make(map[string]float64)

	if rsi, err := RSI(closes, 14); err == nil {
		out["rsi"] = rsi.Value
	}
	if ema, err := EMA(closes, 20); err == nil {
		out["ema_20"] = ema.Value
	}
	if ema, err := EMA(closes, 50); err == nil {
		out["ema_50"] = ema.Value
	}
	if macd, err := MACD(closes, 12, 26, 9); err == nil {
		out["macd"] = macd.MACD
		out["macd_signal"] = macd.Signal
		out["macd_histogram"] = macd.Histogram
	}
	if bb, err := Bollinger(closes, 20); err == nil {
		out["bb_upper"] = bb.Upper
		out["bb_middle"] = bb.Middle
		out["bb_lower"] = bb.Lower
		out["bb_width"] = bb.Width
	}
	if adx, err := ADX(high, low, closes, 14); err == nil {
		out["adx"] = adx.Value
	}

	return out
}
