package beacon

import "math"

// UnknownDistance is returned when no estimate can be made.
const UnknownDistance = -1.0

// EstimateDistance converts a received signal strength and the beacon's
// calibrated 1m power into metres using the log-distance fit common to
// iBeacon SDKs. The curve is only meaningful for negative dBm values.
func EstimateDistance(rssi, txPower int) float64 {
	if rssi == 0 || txPower == 0 {
		return UnknownDistance
	}
	ratio := float64(rssi) / float64(txPower)
	if ratio < 1.0 {
		return math.Pow(ratio, 10)
	}
	return 0.89976*math.Pow(ratio, 7.7095) + 0.111
}
