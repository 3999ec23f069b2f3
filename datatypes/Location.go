package datatypes

import "sync"

// Location is the user location sent along with API requests.
// It protects these for multi threaded access
type Location struct {
	sync.RWMutex
	latitude  float64
	longitude float64
	radius    int
	sensor    bool
	set       bool
	bounds    *Bounds
}

// Bounds is the visible map area, in degrees.
type Bounds struct {
	East  float64
	North float64
	South float64
	West  float64
}

// LocationSnapshot is a consistent copy of a Location.
type LocationSnapshot struct {
	Latitude  float64
	Longitude float64
	Radius    int
	Sensor    bool
	IsSet     bool
	Bounds    *Bounds
}

func NewLocation() *Location {
	return &Location{}
}

func (me *Location) Set(latitude, longitude float64, radius int, sensor bool) {
	me.Lock()
	me.latitude = latitude
	me.longitude = longitude
	me.radius = radius
	me.sensor = sensor
	me.set = true
	me.Unlock()
}

func (me *Location) SetBounds(b Bounds) {
	me.Lock()
	me.bounds = &b
	me.Unlock()
}

func (me *Location) Clear() {
	me.Lock()
	me.set = false
	me.bounds = nil
	me.Unlock()
}

func (me *Location) Snapshot() LocationSnapshot {
	me.RLock()
	defer me.RUnlock()

	s := LocationSnapshot{
		Latitude:  me.latitude,
		Longitude: me.longitude,
		Radius:    me.radius,
		Sensor:    me.sensor,
		IsSet:     me.set,
	}

	if me.bounds != nil {
		b := *me.bounds
		s.Bounds = &b
	}

	return s
}
