package signal

// Taker fee rates per timeframe. Fee per token = price * (1 - price) * rate,
// so the fee peaks at the 50c midpoint and vanishes toward the boundaries.
var takerFeeRates = map[string]float64{
	"5m":  0.0176,
	"15m": 0.0624,
	"1h":  0.0,
	"4h":  0.0,
	"1d":  0.0,
}

// TakerFeePerToken returns the venue taker fee charged per token at the given
// price and timeframe.
func TakerFeePerToken(price float64, timeframe string) float64 {
	rate := takerFeeRates[timeframe]
	if rate <= 0 {
		return 0
	}
	return price * (1 - price) * rate
}
