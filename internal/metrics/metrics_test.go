/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	observer := hv.WithLabelValues(labels...)
	// Prometheus histogram implements prometheus.Metric via the observer
	if c, ok := observer.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordTokenVerification(t *testing.T) {
	RecordTokenVerification(true)
	RecordTokenVerification(false)
	RecordTokenVerification(false)

	if v := getCounterValue(TokenVerificationsTotal, "success"); v < 1 {
		t.Errorf("success = %f, want >= 1", v)
	}
	if v := getCounterValue(TokenVerificationsTotal, "failure"); v < 2 {
		t.Errorf("failure = %f, want >= 2", v)
	}
}

func TestRecordAccessDecision(t *testing.T) {
	RecordAccessDecision("acme.io", true)
	RecordAccessDecision("acme.io", false)

	if v := getCounterValue(AccessDecisionsTotal, "acme.io", "success"); v < 1 {
		t.Errorf("allowed = %f, want >= 1", v)
	}
	if v := getCounterValue(AccessDecisionsTotal, "acme.io", "failure"); v < 1 {
		t.Errorf("denied = %f, want >= 1", v)
	}
}

func TestRecordIntegrationCallClasses(t *testing.T) {
	RecordIntegrationCall("acme.io", 200)
	RecordIntegrationCall("acme.io", 201)
	RecordIntegrationCall("acme.io", 404)
	RecordIntegrationCall("acme.io", 502)
	RecordIntegrationCall("acme.io", 0)

	if v := getCounterValue(IntegrationCallsTotal, "acme.io", "2xx"); v < 2 {
		t.Errorf("2xx = %f, want >= 2", v)
	}
	if v := getCounterValue(IntegrationCallsTotal, "acme.io", "4xx"); v < 1 {
		t.Errorf("4xx = %f, want >= 1", v)
	}
	if v := getCounterValue(IntegrationCallsTotal, "acme.io", "5xx"); v < 1 {
		t.Errorf("5xx = %f, want >= 1", v)
	}
	if v := getCounterValue(IntegrationCallsTotal, "acme.io", "error"); v < 1 {
		t.Errorf("error = %f, want >= 1", v)
	}
}

func TestRecordRequestObserves(t *testing.T) {
	RecordRequest("/api/v1/keys/validate", "200", 42*time.Millisecond)

	if c := getHistogramCount(RequestDurationSeconds, "/api/v1/keys/validate", "200"); c < 1 {
		t.Errorf("sample count = %d, want >= 1", c)
	}
}

func TestLabelIsolation(t *testing.T) {
	RecordAutomationExecution("tenant-a.io", "succeeded")
	RecordAutomationExecution("tenant-b.io", "failed")

	if v := getCounterValue(AutomationExecutionsTotal, "tenant-a.io", "succeeded"); v < 1 {
		t.Error("tenant-a succeeded should be >= 1")
	}
	if v := getCounterValue(AutomationExecutionsTotal, "tenant-a.io", "failed"); v != 0 {
		t.Errorf("tenant-a failed = %f, want 0", v)
	}
}

func TestRegistryGathers(t *testing.T) {
	RecordRateLimitRejection("apikeys")

	families, err := Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "gatetower_rate_limit_rejections_total" {
			found = true
		}
	}
	if !found {
		t.Error("rate limit counter not exposed by registry")
	}
}
