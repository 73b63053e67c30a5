package sos

import (
	"context"
	"fmt"
	"math"

	"github.com/BobSimons/erddap-sub000/internal/dataset"
	"github.com/BobSimons/erddap-sub000/internal/failure"
)

// station is one time series of a network.
type station struct {
	id       string
	lon, lat float64
	// minTime and maxTime are NaN when the station has no timed rows.
	minTime, maxTime float64
	rows             []int
}

// network is a dataset's table grouped by station, in first-seen order.
type network struct {
	data          *dataset.TableData
	stationColumn *dataset.Column
	lon, lat, tm  *dataset.Column
	stations      []*station
	byID          map[string]*station
}

func column(data *dataset.TableData, ds *dataset.Dataset, name string) (*dataset.Column, error) {
	c := data.Column(name)
	if c == nil {
		return nil, failure.Internal(fmt.Errorf("dataset %s: reader returned no column %s", ds.ID, name))
	}
	return c, nil
}

func readNetwork(ctx context.Context, ds *dataset.Dataset) (*network, error) {
	data, err := ds.ReadTable(ctx)
	if err != nil {
		return nil, err
	}
	n := &network{data: data, byID: make(map[string]*station)}
	if n.stationColumn, err = column(data, ds, ds.StationVariable().Name); err != nil {
		return nil, err
	}
	if n.lon, err = column(data, ds, "longitude"); err != nil {
		return nil, err
	}
	if n.lat, err = column(data, ds, "latitude"); err != nil {
		return nil, err
	}
	if n.tm, err = column(data, ds, "time"); err != nil {
		return nil, err
	}

	for r, rows := 0, data.NumRows(); r < rows; r++ {
		id := n.stationColumn.Text(r, false)
		s := n.byID[id]
		if s == nil {
			s = &station{id: id, lon: n.lon.Floats[r], lat: n.lat.Floats[r], minTime: math.NaN(), maxTime: math.NaN()}
			n.byID[id] = s
			n.stations = append(n.stations, s)
		}
		s.rows = append(s.rows, r)
		if t := n.tm.Floats[r]; !math.IsNaN(t) {
			if math.IsNaN(s.minTime) || t < s.minTime {
				s.minTime = t
			}
			if math.IsNaN(s.maxTime) || t > s.maxTime {
				s.maxTime = t
			}
		}
	}
	return n, nil
}

// bounds returns the lon/lat extent and time range of stations.
func bounds(stations []*station) (minLon, minLat, maxLon, maxLat, minTime, maxTime float64) {
	minLon, minLat, maxLon, maxLat = math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)
	minTime, maxTime = math.NaN(), math.NaN()
	for _, s := range stations {
		minLon, maxLon = min(minLon, s.lon), max(maxLon, s.lon)
		minLat, maxLat = min(minLat, s.lat), max(maxLat, s.lat)
		if !math.IsNaN(s.minTime) && (math.IsNaN(minTime) || s.minTime < minTime) {
			minTime = s.minTime
		}
		if !math.IsNaN(s.maxTime) && (math.IsNaN(maxTime) || s.maxTime > maxTime) {
			maxTime = s.maxTime
		}
	}
	return
}

// pick returns the named stations, or every station for nil ids.
func (n *network) pick(param string, ids []string) ([]*station, error) {
	if ids == nil {
		return n.stations, nil
	}
	out := make([]*station, 0, len(ids))
	for _, id := range ids {
		s := n.byID[id]
		if s == nil {
			return nil, failure.QueryError(param, id, "is not a station in this dataset.")
		}
		out = append(out, s)
	}
	return out, nil
}

// observed lists the data variables offered as observed properties: all
// but the station, position and time variables.
func observed(ds *dataset.Dataset) []*dataset.Variable {
	station := ds.StationVariable()
	var out []*dataset.Variable
	for i := range ds.Variables {
		v := &ds.Variables[i]
		switch {
		case v == station, v.Name == "longitude", v.Name == "latitude", v.Name == "time":
		default:
			out = append(out, v)
		}
	}
	return out
}
