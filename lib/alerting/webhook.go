package alerting

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/solnx/gridflow/internal/model"
)

// WebhookForwarder POSTs fired alerts to an operator-configured URL,
// generalizing the teacher's resty-based AlarmEvent POST
// (internal/cyclone/handler.go) from the fixed Cyclone destination URI
// to our Alert payload. Disabled entirely when no URL is configured;
// see NewWebhookForwarder.
type WebhookForwarder struct {
	client *resty.Client
	url    string
	log    *logrus.Entry
}

// NewWebhookForwarder builds a forwarder posting to url with the
// teacher's retry knobs: up to retryCount retries after the first
// attempt, waiting between minWait and maxWait.
func NewWebhookForwarder(url string, retryCount int, minWait, maxWait time.Duration, log *logrus.Entry) *WebhookForwarder {
	client := resty.New().
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(15)).
		SetRetryCount(retryCount).
		SetRetryWaitTime(minWait).
		SetRetryMaxWaitTime(maxWait).
		SetHeader("Content-Type", "application/json")
	return &WebhookForwarder{client: client, url: url, log: log}
}

// Forward POSTs a fires in the background; failures are logged, never
// fatal to the caller.
func (w *WebhookForwarder) Forward(a model.Alert) {
	go func(a model.Alert) {
		resp, err := w.client.R().SetBody([]model.Alert{a}).Post(w.url)
		if err != nil {
			w.log.WithError(err).WithField("alert_id", a.ID).Error("webhook forward failed")
			return
		}
		if resp.StatusCode() >= 300 {
			w.log.WithFields(logrus.Fields{
				"alert_id": a.ID, "status": resp.StatusCode(),
			}).Error("webhook forward rejected")
		}
	}(a)
}
