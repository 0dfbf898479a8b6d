// Package indicators computes technical indicators from candle closes.
// It backs the market data agent when the upstream snapshot arrives
// without precomputed indicator values.
package indicators

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// RSIResult is the most recent RSI value with its classification.
type RSIResult struct {
	Value  float64 `json:"value"`
	Signal string  `json:"signal"` // "oversold", "overbought", "neutral"
}

// EMAResult is the most recent EMA value with the price-relative trend.
type EMAResult struct {
	Value float64 `json:"value"`
	Trend string  `json:"trend"` // "bullish", "bearish", "neutral"
}

// MACDResult is the most recent MACD reading.
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	Crossover string  `json:"crossover"` // "bullish", "bearish", "none"
}

// BollingerResult is the most recent Bollinger Bands reading.
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Width  float64 `json:"width"` // band width as percent of the middle band
	Signal string  `json:"signal"`
}

// ADXResult is the most recent ADX value with its trend strength bucket.
type ADXResult struct {
	Value    float64 `json:"value"`
	Strength string  `json:"strength"` // "weak", "strong", "very_strong"
}

func feed(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func drain(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// RSI computes the Relative Strength Index over closes.
func RSI(closes []float64, period int) (RSIResult, error) {
	if period < 1 || period > len(closes) {
		return RSIResult{}, fmt.Errorf("rsi period %d out of range for %d closes", period, len(closes))
	}

	values := drain(momentum.NewRsiWithPeriod[float64](period).Compute(feed(closes)))
	if len(values) == 0 {
		return RSIResult{}, fmt.Errorf("rsi produced no values")
	}

	current := values[len(values)-1]
	signal := "neutral"
	switch {
	case current < 30:
		signal = "oversold"
	case current > 70:
		signal = "overbought"
	}
	return RSIResult{Value: current, Signal: signal}, nil
}

// EMA computes the Exponential Moving Average over closes.
func EMA(closes []float64, period int) (EMAResult, error) {
	if period < 1 || period > len(closes) {
		return EMAResult{}, fmt.Errorf("ema period %d out of range for %d closes", period, len(closes))
	}

	values := drain(trend.NewEmaWithPeriod[float64](period).Compute(feed(closes)))
	if len(values) == 0 {
		return EMAResult{}, fmt.Errorf("ema produced no values")
	}

	current := values[len(values)-1]
	price := closes[len(closes)-1]
	dir := "neutral"
	switch {
	case price > current:
		dir = "bullish"
	case price < current:
		dir = "bearish"
	}
	return EMAResult{Value: current, Trend: dir}, nil
}

// MACD computes Moving Average Convergence Divergence over closes.
func MACD(closes []float64, fast, slow, signal int) (MACDResult, error) {
	if fast < 1 || slow < 1 || signal < 1 {
		return MACDResult{}, fmt.Errorf("invalid macd periods fast=%d slow=%d signal=%d", fast, slow, signal)
	}
	if fast >= slow {
		return MACDResult{}, fmt.Errorf("macd fast period %d must be less than slow period %d", fast, slow)
	}
	if len(closes) < slow+signal {
		return MACDResult{}, fmt.Errorf("macd needs at least %d closes, got %d", slow+signal, len(closes))
	}

	macdChan, signalChan := trend.NewMacdWithPeriod[float64](fast, slow, signal).Compute(feed(closes))
	var macdValues, signalValues []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdValues = append(macdValues, m)
		signalValues = append(signalValues, s)
	}
	if len(macdValues) == 0 {
		return MACDResult{}, fmt.Errorf("macd produced no values")
	}

	last := len(macdValues) - 1
	histogram := macdValues[last] - signalValues[last]

	crossover := "none"
	if last >= 1 {
		prev := macdValues[last-1] - signalValues[last-1]
		if prev <= 0 && histogram > 0 {
			crossover = "bullish"
		}
		if prev >= 0 && histogram < 0 {
			crossover = "bearish"
		}
	}

	return MACDResult{
		MACD:      macdValues[last],
		Signal:    signalValues[last],
		Histogram: histogram,
		Crossover: crossover,
	}, nil
}

// Bollinger computes Bollinger Bands over closes. The band width uses the
// library's fixed two standard deviations.
func Bollinger(closes []float64, period int) (BollingerResult, error) {
	if period < 2 || period > len(closes) {
		return BollingerResult{}, fmt.Errorf("bollinger period %d out of range for %d closes", period, len(closes))
	}

	lowerChan, middleChan, upperChan := volatility.NewBollingerBandsWithPeriod[float64](period).Compute(feed(closes))
	var lower, middle, upper []float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower = append(lower, l)
		middle = append(middle, m)
		upper = append(upper, u)
	}
	if len(middle) == 0 {
		return BollingerResult{}, fmt.Errorf("bollinger produced no values")
	}

	last := len(middle) - 1
	price := closes[len(closes)-1]
	width := 0.0
	if middle[last] != 0 {
		width = (upper[last] - lower[last]) / middle[last] * 100
	}

	signal := "neutral"
	switch {
	case price <= lower[last]:
		signal = "buy"
	case price >= upper[last]:
		signal = "sell"
	}

	return BollingerResult{
		Upper:  upper[last],
		Middle: middle[last],
		Lower:  lower[last],
		Width:  width,
		Signal: signal,
	}, nil
}

// ADX computes the Average Directional Index from OHLC arrays. The library
// does not ship ADX, so it is computed with Wilder's smoothing directly.
func ADX(high, low, closes []float64, period int) (ADXResult, error) {
	if len(high) != len(low) || len(high) != len(closes) {
		return ADXResult{}, fmt.Errorf("high, low and close arrays must have the same length")
	}
	if period < 1 {
		return ADXResult{}, fmt.Errorf("invalid adx period %d", period)
	}
	if len(closes) < period*2 {
		return ADXResult{}, fmt.Errorf("adx needs at least %d closes, got %d", period*2, len(closes))
	}

	value := wilderADX(high, low, closes, period)
	if value == 0 {
		return ADXResult{}, fmt.Errorf("adx produced no value")
	}

	strength := "weak"
	switch {
	case value >= 50:
		strength = "very_strong"
	case value >= 25:
		strength = "strong"
	}
	return ADXResult{Value: value, Strength: strength}, nil
}

func wilderADX(high, low, closes []float64, period int) float64 {
	n := len(closes)

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-closes[i-1]), math.Abs(low[i]-closes[i-1])))

		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if sum := plusDI + minusDI; sum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
		}
	}

	return smoothWilder(dx, period)[n-1]
}

// smoothWilder seeds with a simple average and then applies Wilder's
// recursive smoothing.
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}
