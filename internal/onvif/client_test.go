package onvif

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/config"
	"github.com/panteLx/Reolink-ONVIF-Watcher/internal/metrics"
)

const responseTemplate = `<?xml version="1.0"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope"
  xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"
  xmlns:tev="http://www.onvif.org/ver10/events/wsdl"
  xmlns:tds="http://www.onvif.org/ver10/device/wsdl"
  xmlns:wsa="http://www.w3.org/2005/08/addressing"
  xmlns:tt="http://www.onvif.org/ver10/schema">
  <SOAP-ENV:Body>%s</SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

// fakeCamera emulates the camera's SOAP endpoint: device info, pull-point
// creation, pulls, renews and unsubscribes, keyed off the request body.
type fakeCamera struct {
	srv *httptest.Server

	mu            sync.Mutex
	notifications []string
	term          time.Duration
	failPulls     bool
	creates       int
	pulls         int
	renews        int
	unsubscribes  int
}

func newFakeCamera() *fakeCamera {
	c := &fakeCamera{term: 60 * time.Second}
	c.srv = httptest.NewServer(http.HandlerFunc(c.handle))
	return c
}

func (c *fakeCamera) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	req := string(body)

	c.mu.Lock()
	defer c.mu.Unlock()

	termination := time.Now().Add(c.term).UTC().Format(time.RFC3339)

	switch {
	case strings.Contains(req, "GetDeviceInformation"):
		fmt.Fprintf(w, responseTemplate, `<tds:GetDeviceInformationResponse>
			<tds:Manufacturer>Reolink</tds:Manufacturer>
			<tds:Model>RLC-810A</tds:Model>
			<tds:FirmwareVersion>v3.1.0</tds:FirmwareVersion>
			<tds:SerialNumber>0000001</tds:SerialNumber>
		</tds:GetDeviceInformationResponse>`)

	case strings.Contains(req, "CreatePullPointSubscription"):
		c.creates++
		fmt.Fprintf(w, responseTemplate, fmt.Sprintf(`<tev:CreatePullPointSubscriptionResponse>
			<tev:SubscriptionReference><wsa:Address>%s/onvif/Subscription?Idx=0</wsa:Address></tev:SubscriptionReference>
			<wsnt:CurrentTime>%s</wsnt:CurrentTime>
			<wsnt:TerminationTime>%s</wsnt:TerminationTime>
		</tev:CreatePullPointSubscriptionResponse>`,
			c.srv.URL, time.Now().UTC().Format(time.RFC3339), termination))

	case strings.Contains(req, "PullMessages"):
		c.pulls++
		if c.failPulls {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		msgs := strings.Join(c.notifications, "")
		c.notifications = nil
		fmt.Fprintf(w, responseTemplate, fmt.Sprintf(`<tev:PullMessagesResponse>
			<tev:CurrentTime>%s</tev:CurrentTime>
			<tev:TerminationTime>%s</tev:TerminationTime>
			%s
		</tev:PullMessagesResponse>`,
			time.Now().UTC().Format(time.RFC3339), termination, msgs))

	case strings.Contains(req, "Renew"):
		c.renews++
		fmt.Fprintf(w, responseTemplate, fmt.Sprintf(`<wsnt:RenewResponse>
			<wsnt:TerminationTime>%s</wsnt:TerminationTime>
			<wsnt:CurrentTime>%s</wsnt:CurrentTime>
		</wsnt:RenewResponse>`, termination, time.Now().UTC().Format(time.RFC3339)))

	case strings.Contains(req, "Unsubscribe"):
		c.unsubscribes++
		fmt.Fprintf(w, responseTemplate, `<wsnt:UnsubscribeResponse/>`)

	default:
		http.Error(w, "unexpected request", http.StatusBadRequest)
	}
}

func (c *fakeCamera) queue(topic, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, fmt.Sprintf(`<wsnt:NotificationMessage>
		<wsnt:Topic Dialect="http://www.onvif.org/ver10/tev/topicExpression/ConcreteSet">%s</wsnt:Topic>
		<wsnt:Message><tt:Message UtcTime="%s" PropertyOperation="Changed">
			<tt:Source><tt:SimpleItem Name="Source" Value="000"/></tt:Source>
			<tt:Data><tt:SimpleItem Name="State" Value="%s"/></tt:Data>
		</tt:Message></wsnt:Message>
	</wsnt:NotificationMessage>`, topic, time.Now().UTC().Format(time.RFC3339), state))
}

func (c *fakeCamera) setTerm(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term = d
}

func (c *fakeCamera) setFailPulls(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPulls = fail
}

func (c *fakeCamera) counts() (creates, renews, unsubscribes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates, c.renews, c.unsubscribes
}

func (c *fakeCamera) cameraConfig(t *testing.T) config.Camera {
	t.Helper()
	u, err := url.Parse(c.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return config.Camera{
		Name: "front", Host: u.Hostname(), OnvifPort: port,
		Username: "admin", Password: "secret", Enabled: true,
	}
}

func newTestSubscriber(t *testing.T, cam *fakeCamera, margin time.Duration) *Subscriber {
	t.Helper()
	return NewSubscriber(cam.cameraConfig(t), margin, zerolog.Nop(), metrics.New())
}

func TestConnectAndReceivePersonEvent(t *testing.T) {
	cam := newFakeCamera()
	defer cam.srv.Close()

	sub := newTestSubscriber(t, cam, 10*time.Second)
	defer sub.Close()

	require.NoError(t, sub.Connect(context.Background()))

	cam.queue("tns1:RuleEngine/MyRuleDetector/PeopleDetect", "true")

	ev, ok, err := sub.NextEvent(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "front", ev.Camera)
	assert.True(t, ev.IsPresent)
	assert.False(t, ev.ObservedAt.IsZero())
}

func TestForeignAndMalformedNotificationsDiscarded(t *testing.T) {
	cam := newFakeCamera()
	defer cam.srv.Close()

	sub := newTestSubscriber(t, cam, 10*time.Second)
	defer sub.Close()

	require.NoError(t, sub.Connect(context.Background()))

	cam.queue("tns1:RuleEngine/CellMotionDetector/Motion", "true")
	cam.queue("tns1:RuleEngine/MyRuleDetector/PeopleDetect", "banana")

	_, ok, err := sub.NextEvent(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "neither notification may surface as a detection")

	// A well-formed event after the junk still comes through.
	cam.queue("tns1:RuleEngine/MyRuleDetector/PeopleDetect", "false")
	ev, ok, err := sub.NextEvent(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, ev.IsPresent)
}

func TestRenewRunsBeforeExpiry(t *testing.T) {
	cam := newFakeCamera()
	defer cam.srv.Close()

	// Termination so close that the first pull must renew first.
	cam.setTerm(2 * time.Second)

	sub := newTestSubscriber(t, cam, 10*time.Second)
	defer sub.Close()

	require.NoError(t, sub.Connect(context.Background()))

	cam.setTerm(60 * time.Second)
	_, _, err := sub.NextEvent(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)

	_, renews, _ := cam.counts()
	assert.GreaterOrEqual(t, renews, 1)
}

func TestPullFailureReconnectsWithBackoff(t *testing.T) {
	cam := newFakeCamera()
	defer cam.srv.Close()

	sub := newTestSubscriber(t, cam, 10*time.Second)
	defer sub.Close()

	require.NoError(t, sub.Connect(context.Background()))

	cam.setFailPulls(true)
	_, ok, err := sub.NextEvent(context.Background(), 50*time.Millisecond)
	require.NoError(t, err, "receive failures must not surface as pipeline errors")
	assert.False(t, ok)

	// Recovery: after the backoff window the subscriber re-subscribes and
	// events flow again.
	cam.setFailPulls(false)
	cam.queue("tns1:RuleEngine/MyRuleDetector/PeopleDetect", "true")

	deadline := time.Now().Add(5 * time.Second)
	var got bool
	for time.Now().Before(deadline) {
		ev, ok, err := sub.NextEvent(context.Background(), 50*time.Millisecond)
		require.NoError(t, err)
		if ok {
			assert.True(t, ev.IsPresent)
			got = true
			break
		}
	}
	require.True(t, got, "event should arrive after reconnect")

	creates, _, _ := cam.counts()
	assert.GreaterOrEqual(t, creates, 2, "reconnect must create a fresh subscription")
}

func TestCloseIsIdempotentAndUnsubscribes(t *testing.T) {
	cam := newFakeCamera()
	defer cam.srv.Close()

	sub := newTestSubscriber(t, cam, 10*time.Second)
	require.NoError(t, sub.Connect(context.Background()))

	sub.Close()
	sub.Close()

	_, _, unsubscribes := cam.counts()
	assert.Equal(t, 1, unsubscribes)

	_, _, err := sub.NextEvent(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNextEventHonorsContext(t *testing.T) {
	cam := newFakeCamera()
	defer cam.srv.Close()

	sub := newTestSubscriber(t, cam, 10*time.Second)
	defer sub.Close()

	require.NoError(t, sub.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := sub.NextEvent(ctx, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}
