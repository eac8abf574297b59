package config

// Token pricing, in tokens. Mirrors the tariffs shown to the user in the bot
// keyboards, so changing a value here changes what gets charged.
const (
	Video10SecCost       = 20
	Video15SecCost       = 25
	WatermarkRemovalCost = 10
	FreeTokensOnStart    = 60
)

// PaymentPackage is one purchasable top-up option. 1 RUB = 1 token.
type PaymentPackage struct {
	Rubles      int64
	Tokens      int64
	DisplayName string
}

var PaymentPackages = []PaymentPackage{
	{Rubles: 500, Tokens: 500, DisplayName: "500 токенов"},
	{Rubles: 1000, Tokens: 1000, DisplayName: "1000 токенов"},
	{Rubles: 2000, Tokens: 2000, DisplayName: "2000 токенов"},
	{Rubles: 4000, Tokens: 4000, DisplayName: "4000 токенов"},
}

// FindPaymentPackage looks a package up by its ruble amount, the value carried
// in the buy_<amount> callback data.
func FindPaymentPackage(rubles int64) (PaymentPackage, bool) {
	for _, pkg := range PaymentPackages {
		if pkg.Rubles == rubles {
			return pkg, true
		}
	}
	return PaymentPackage{}, false
}

// VideoCost returns the token cost for a generation of the given duration in
// seconds. Unknown durations fall back to the short-video tariff.
func VideoCost(durationSec int) int64 {
	switch durationSec {
	case 15:
		return Video15SecCost
	default:
		return Video10SecCost
	}
}
