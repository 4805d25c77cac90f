package nn

import (
	"math"
	"math/rand"
)

// Device carries the random source a model uses to initialise its parameters
// and to sample dropout masks. It is handed to constructors explicitly.
type Device struct {
	rng *rand.Rand
}

// NewDevice returns a device whose random source is seeded with seed.
func NewDevice(seed int64) *Device {
	return &Device{rng: rand.New(rand.NewSource(seed))}
}

// Rand returns the random source of the device.
func (d *Device) Rand() *rand.Rand {
	return d.rng
}

// Uniform fills data with values drawn uniformly from [-k, k].
func (d *Device) Uniform(data []float32, k float32) {
	for i := range data {
		data[i] = (d.rng.Float32()*2 - 1) * k
	}
}

// XavierUniform fills p with the Glorot fan-avg uniform initialisation.
func (d *Device) XavierUniform(p *Param, fanIn, fanOut int) {
	d.Uniform(p.Data, float32(math.Sqrt(6.0/float64(fanIn+fanOut))))
}
