/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Counter is the subset of prometheus.Counter used by this module
type Counter interface {
	Inc()
	Add(float64)
}

// Gauge is the subset of prometheus.Gauge used by this module
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
}

// CounterVec yields labelled counters
type CounterVec interface {
	WithLabelValues(lvs ...string) Counter
}

// GaugeVec yields labelled gauges
type GaugeVec interface {
	WithLabelValues(lvs ...string) Gauge
}

type counterVecWrapper struct {
	*prometheus.CounterVec
}

func (w *counterVecWrapper) WithLabelValues(lvs ...string) Counter {
	return w.CounterVec.WithLabelValues(lvs...)
}

type gaugeVecWrapper struct {
	*prometheus.GaugeVec
}

func (w *gaugeVecWrapper) WithLabelValues(lvs ...string) Gauge {
	return w.GaugeVec.WithLabelValues(lvs...)
}

func newCounterVec(opts prometheus.CounterOpts, labels []string) CounterVec {
	return &counterVecWrapper{prometheus.NewCounterVec(opts, labels)}
}

func newGaugeVec(opts prometheus.GaugeOpts, labels []string) GaugeVec {
	return &gaugeVecWrapper{prometheus.NewGaugeVec(opts, labels)}
}

func newGauge(opts prometheus.GaugeOpts) Gauge {
	return prometheus.NewGauge(opts)
}

// unwrap returns the registrable collector behind a metric, if any
func unwrap(m any) (prometheus.Collector, bool) {
	switch v := m.(type) {
	case *counterVecWrapper:
		return v.CounterVec, true
	case *gaugeVecWrapper:
		return v.GaugeVec, true
	case prometheus.Collector:
		return v, true
	default:
		return nil, false
	}
}

type noopCounter struct{}

func (noopCounter) Inc()        {}
func (noopCounter) Add(float64) {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}
func (noopGauge) Inc()        {}
func (noopGauge) Dec()        {}
func (noopGauge) Add(float64) {}

type noopCounterVec struct{}

func (noopCounterVec) WithLabelValues(...string) Counter { return noopCounter{} }

type noopGaugeVec struct{}

func (noopGaugeVec) WithLabelValues(...string) Gauge { return noopGauge{} }
