package dispatch

import (
	"strconv"
	"strings"

	"github.com/rb3ckers/requestqueue/internal/network"
)

// Query parameters added by the queue.
const (
	ParamAppVersion = "api_av"
	ParamLatitude   = "r_lat"
	ParamLongitude  = "r_lng"
	ParamSensor     = "r_sensor"
	ParamRadius     = "r_radius"
	ParamBoundEast  = "b_east"
	ParamBoundNorth = "b_north"
	ParamBoundSouth = "b_south"
	ParamBoundWest  = "b_west"

	HeaderToken = "X-Token"
)

// prepare adds the parameters every API call needs. Parameters the request
// already has are kept, except for the app version.
func (q *RequestQueue) prepare(r *Request) {
	r.addEvent("preparing-sdk-parameters")

	// Append host if needed
	if !strings.HasPrefix(r.url, "http") {
		r.url = strings.TrimRight(q.env.Host, "/") + r.url
	}

	if q.env.AppVersion != "" {
		r.params[ParamAppVersion] = q.env.AppVersion
	}

	if r.header.Get("Accept") == "" {
		r.header.Set("Accept", "application/json")
	}

	if r.useLocation && q.env.Location != nil {
		l := q.env.Location.Snapshot()

		if l.IsSet {
			setIfAbsent(r.params, ParamLatitude, formatFloat(l.Latitude))
			setIfAbsent(r.params, ParamLongitude, formatFloat(l.Longitude))
			setIfAbsent(r.params, ParamSensor, strconv.FormatBool(l.Sensor))
			setIfAbsent(r.params, ParamRadius, strconv.Itoa(l.Radius))

			if l.Bounds != nil {
				setIfAbsent(r.params, ParamBoundEast, formatFloat(l.Bounds.East))
				setIfAbsent(r.params, ParamBoundNorth, formatFloat(l.Bounds.North))
				setIfAbsent(r.params, ParamBoundSouth, formatFloat(l.Bounds.South))
				setIfAbsent(r.params, ParamBoundWest, formatFloat(l.Bounds.West))
			}
		}
	}

	r.cacheKey = buildCacheKey(r)
}

// call builds the network call for r. The session token is read here rather
// than at admission, parked requests must use the token of the new session.
func (q *RequestQueue) call(r *Request) *network.Call {
	header := r.header.Clone()

	if !r.session && q.env.Session != nil {
		if token := q.env.Session.Token(); token != "" {
			header.Set(HeaderToken, token)
		}
	}

	if r.stale != nil {
		if r.stale.ETag != "" {
			header.Set("If-None-Match", r.stale.ETag)
		}

		if r.stale.LastModified != "" {
			header.Set("If-Modified-Since", r.stale.LastModified)
		}
	}

	return &network.Call{
		Method: r.method,
		URL:    r.FullURL(),
		Header: header,
		Body:   r.body,
	}
}

func setIfAbsent(params map[string]string, key, value string) {
	if _, ok := params[key]; !ok {
		params[key] = value
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
