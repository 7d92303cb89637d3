package metrics

// Mean is a running arithmetic mean of every value fed since the last Reset.
type Mean struct {
	name  string
	sum   float64
	count int
}

// NewMean returns an empty mean reported under name.
func NewMean(name string) *Mean { return &Mean{name: name} }

// Name is the tag the mean is reported under.
func (m *Mean) Name() string { return m.name }

// Update adds v and returns the new mean.
func (m *Mean) Update(v float64) float64 {
	m.sum += v
	m.count++
	return m.Result()
}

// Result is zero before the first Update.
func (m *Mean) Result() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *Mean) Count() int { return m.count }

func (m *Mean) Reset() {
	m.sum = 0
	m.count = 0
}
