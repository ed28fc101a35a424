// Package onvif maintains a pull-point event subscription with one camera
// and surfaces normalized person-detection events.
package onvif

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/config"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/metrics"
	"github.com/panteLx/Reolink-ONVIF-Watcher/pkg/models"
)

var (
	// ErrConnect wraps network or auth failures against the camera.
	ErrConnect = errors.New("camera connect failed")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("subscriber closed")
)

const (
	devicePath = "/onvif/device_service"
	eventPath  = "/onvif/event_service"

	subscriptionTerm = 60 * time.Second
	messageLimit     = 32

	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second

	soapContentType = "application/soap+xml; charset=utf-8"
)

// Subscriber owns one camera's event subscription: create, renew, pull,
// reconnect. Not safe for concurrent use; each pipeline drives exactly one.
type Subscriber struct {
	cam         config.Camera
	renewMargin time.Duration
	log         zerolog.Logger
	m           *metrics.Metrics
	http        *resty.Client
	now         func() time.Time

	pullURL     string
	renewBefore time.Time
	connected   bool
	closed      bool

	queue []models.DetectionEvent

	backoff     time.Duration
	nextAttempt time.Time
}

func NewSubscriber(cam config.Camera, renewMargin time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Subscriber {
	r := resty.New().
		SetBaseURL(fmt.Sprintf("http://%s:%d", cam.Host, cam.OnvifPort)).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", soapContentType)

	return &Subscriber{
		cam:         cam,
		renewMargin: renewMargin,
		log:         logger.With().Str("camera", cam.Name).Logger(),
		m:           m,
		http:        r,
		now:         time.Now,
		backoff:     backoffBase,
	}
}

// Connect establishes the subscription, retrying with exponential backoff
// until it succeeds or ctx is cancelled. Every failed attempt is logged.
func (s *Subscriber) Connect(ctx context.Context) error {
	for {
		if s.closed {
			return ErrClosed
		}

		err := s.connectOnce(ctx)
		if err == nil {
			return nil
		}

		s.m.Reconnects.WithLabelValues(s.cam.Name).Inc()
		s.log.Error().Err(err).Dur("retry_in", s.backoff).Msg("camera connect failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff):
		}
		s.growBackoff()
	}
}

// DeviceInfo queries GetDeviceInformation once. Used by connect to log the
// device identity and by the cameras command to probe reachability.
func (s *Subscriber) DeviceInfo(ctx context.Context) (models.DeviceInfo, error) {
	env, err := s.post(ctx, devicePath, deviceInfoBody)
	if err != nil {
		return models.DeviceInfo{}, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	info := env.Body.DeviceInfo
	if info == nil {
		return models.DeviceInfo{}, fmt.Errorf("%w: no device information in response", ErrConnect)
	}
	return models.DeviceInfo{
		Manufacturer:    info.Manufacturer,
		Model:           info.Model,
		FirmwareVersion: info.FirmwareVersion,
		SerialNumber:    info.SerialNumber,
	}, nil
}

// connectOnce probes the device and creates a fresh pull point.
func (s *Subscriber) connectOnce(ctx context.Context) error {
	info, err := s.DeviceInfo(ctx)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("manufacturer", info.Manufacturer).
		Str("model", info.Model).
		Str("firmware", info.FirmwareVersion).
		Msg("connected to camera")

	env, err := s.post(ctx, eventPath, fmt.Sprintf(createBody, isoDuration(subscriptionTerm)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	created := env.Body.CreateResponse
	if created == nil {
		return fmt.Errorf("%w: no subscription reference in response", ErrConnect)
	}

	s.pullURL = eventPath
	if created.Address != "" {
		s.pullURL = created.Address
	}
	s.updateRenewDeadline(created.TerminationTime)
	s.connected = true
	s.backoff = backoffBase

	s.log.Info().Str("pull_url", s.pullURL).Time("renew_before", s.renewBefore).
		Msg("event subscription established")
	return nil
}

// NextEvent returns the next detection event, blocking at most ~wait. The
// second return is false when no event arrived in time. While disconnected
// it paces reconnect attempts with backoff instead of sleeping through the
// caller's tick, so deadline checks upstream are never starved.
func (s *Subscriber) NextEvent(ctx context.Context, wait time.Duration) (models.DetectionEvent, bool, error) {
	var zero models.DetectionEvent

	if s.closed {
		return zero, false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		return ev, true, nil
	}

	if !s.connected {
		if s.now().Before(s.nextAttempt) {
			s.idle(ctx, wait)
			return zero, false, nil
		}
		if err := s.connectOnce(ctx); err != nil {
			s.m.Reconnects.WithLabelValues(s.cam.Name).Inc()
			s.log.Error().Err(err).Dur("retry_in", s.backoff).Msg("camera reconnect failed")
			s.nextAttempt = s.now().Add(s.backoff)
			s.growBackoff()
			return zero, false, nil
		}
	}

	if !s.now().Before(s.renewBefore) {
		if err := s.renew(ctx); err != nil {
			s.log.Warn().Err(err).Msg("subscription renew failed, reconnecting")
			s.dropSubscription()
			return zero, false, nil
		}
	}

	events, err := s.pullOnce(ctx, wait)
	if err != nil {
		if ctx.Err() != nil {
			return zero, false, ctx.Err()
		}
		s.log.Error().Err(err).Msg("pull failed, reconnecting")
		s.dropSubscription()
		return zero, false, nil
	}

	s.queue = append(s.queue, events...)
	if len(s.queue) == 0 {
		return zero, false, nil
	}

	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true, nil
}

// Close releases the subscription. Idempotent, never fails; a best-effort
// Unsubscribe is sent so the camera frees the pull point promptly.
func (s *Subscriber) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if s.connected {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.post(ctx, s.pullURL, unsubscribeBody); err != nil {
			s.log.Debug().Err(err).Msg("unsubscribe failed")
		}
		s.connected = false
	}
	s.log.Info().Msg("subscription closed")
}

func (s *Subscriber) pullOnce(ctx context.Context, wait time.Duration) ([]models.DetectionEvent, error) {
	env, err := s.post(ctx, s.pullURL, fmt.Sprintf(pullBody, isoDuration(wait), messageLimit))
	if err != nil {
		return nil, err
	}
	pulled := env.Body.PullResponse
	if pulled == nil {
		return nil, errors.New("no PullMessagesResponse in reply")
	}
	if pulled.TerminationTime != "" {
		s.updateRenewDeadline(pulled.TerminationTime)
	}

	received := s.now()
	var events []models.DetectionEvent

	for _, msg := range pulled.Messages {
		if !isPersonTopic(msg.Topic) {
			s.log.Debug().Str("topic", msg.Topic).Msg("ignoring notification topic")
			continue
		}
		present, ok := presenceValue(msg.Payload)
		if !ok {
			// Malformed payloads are discarded, never surfaced as detections.
			s.log.Debug().Str("topic", msg.Topic).Msg("discarding malformed notification")
			continue
		}

		cameraTime, _ := parseONVIFTime(msg.Payload.UtcTime)
		events = append(events, models.DetectionEvent{
			Camera:     s.cam.Name,
			ObservedAt: received,
			CameraTime: cameraTime,
			IsPresent:  present,
		})
		s.m.EventsTotal.WithLabelValues(s.cam.Name, fmt.Sprintf("%t", present)).Inc()
	}

	return events, nil
}

func (s *Subscriber) renew(ctx context.Context) error {
	env, err := s.post(ctx, s.pullURL, fmt.Sprintf(renewBody, isoDuration(subscriptionTerm)))
	if err != nil {
		return err
	}
	renewed := env.Body.RenewResponse
	if renewed == nil {
		return errors.New("no RenewResponse in reply")
	}
	s.updateRenewDeadline(renewed.TerminationTime)
	s.log.Debug().Time("renew_before", s.renewBefore).Msg("subscription renewed")
	return nil
}

// post sends one SOAP request with a fresh WS-UsernameToken header and
// returns the parsed envelope. SOAP faults come back as errors.
func (s *Subscriber) post(ctx context.Context, url, body string) (*envelope, error) {
	sec, err := securityHeader(s.cam.Username, s.cam.Password, s.now())
	if err != nil {
		return nil, err
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(fmt.Sprintf(envelopeTemplate, sec, body)).
		Post(url)
	if err != nil {
		return nil, err
	}

	env, perr := parseEnvelope(resp.Body())
	if perr == nil && env.Body.Fault != nil {
		return nil, env.Body.Fault
	}
	if resp.IsError() {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode(), resp.Status())
	}
	if perr != nil {
		return nil, perr
	}
	return env, nil
}

// updateRenewDeadline records when the subscription must be renewed,
// leaving a safety margin before the reported termination time. Cameras
// that return an unparseable termination fall back to the requested term.
func (s *Subscriber) updateRenewDeadline(termination string) {
	t, ok := parseONVIFTime(termination)
	if !ok {
		t = s.now().Add(subscriptionTerm)
	}
	s.renewBefore = t.Add(-s.renewMargin)
}

func (s *Subscriber) dropSubscription() {
	s.connected = false
	s.nextAttempt = s.now().Add(s.backoff)
	s.m.Reconnects.WithLabelValues(s.cam.Name).Inc()
	s.growBackoff()
}

func (s *Subscriber) growBackoff() {
	s.backoff *= 2
	if s.backoff > backoffCap {
		s.backoff = backoffCap
	}
}

func (s *Subscriber) idle(ctx context.Context, wait time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}
