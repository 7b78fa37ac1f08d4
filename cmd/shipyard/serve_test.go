// Copyright 2024 kharf
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestDiagnosticsServer(t *testing.T) {
	registry := prometheus.NewRegistry()
	runs := prometheus.NewCounter(prometheus.CounterOpts{Name: "shipyard_test_runs_total"})
	registry.MustRegister(runs)
	runs.Inc()

	get := func(e http.Handler, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	e := diagnosticsServer(registry, false)
	rec := get(e, "/metrics")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Assert(t, is.Contains(rec.Body.String(), "shipyard_test_runs_total 1"))
	assert.Equal(t, get(e, "/healthz").Body.String(), "ok")
	assert.Equal(t, get(e, "/debug/pprof/delta_heap").Code, http.StatusNotFound)

	e = diagnosticsServer(registry, true)
	for _, name := range []string{"delta_heap", "delta_mutex", "delta_block"} {
		rec := get(e, "/debug/pprof/"+name)
		assert.Equal(t, rec.Code, http.StatusOK, name)
		assert.Assert(t, rec.Body.Len() > 0, name)
	}
}
