package onvif

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Request envelopes are built from templates instead of marshalled structs:
// the fixed namespace prefixes some cameras insist on are easier to control
// as literal text, and responses are the only side we need to parse.
const (
	envelopeTemplate = `<?xml version="1.0" encoding="UTF-8"?>` +
		`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">` +
		`<s:Header>%s</s:Header>` +
		`<s:Body>%s</s:Body>` +
		`</s:Envelope>`

	createBody = `<tev:CreatePullPointSubscription xmlns:tev="http://www.onvif.org/ver10/events/wsdl">` +
		`<tev:InitialTerminationTime>%s</tev:InitialTerminationTime>` +
		`</tev:CreatePullPointSubscription>`

	pullBody = `<tev:PullMessages xmlns:tev="http://www.onvif.org/ver10/events/wsdl">` +
		`<tev:Timeout>%s</tev:Timeout>` +
		`<tev:MessageLimit>%d</tev:MessageLimit>` +
		`</tev:PullMessages>`

	renewBody = `<wsnt:Renew xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2">` +
		`<wsnt:TerminationTime>%s</wsnt:TerminationTime>` +
		`</wsnt:Renew>`

	unsubscribeBody = `<wsnt:Unsubscribe xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"/>`

	deviceInfoBody = `<tds:GetDeviceInformation xmlns:tds="http://www.onvif.org/ver10/device/wsdl"/>`
)

// envelope matches responses by local element name, so the camera's choice of
// namespace prefixes does not matter.
type envelope struct {
	Body struct {
		Fault          *soapFault               `xml:"Fault"`
		CreateResponse *createPullPointResponse `xml:"CreatePullPointSubscriptionResponse"`
		PullResponse   *pullMessagesResponse    `xml:"PullMessagesResponse"`
		RenewResponse  *renewResponse           `xml:"RenewResponse"`
		DeviceInfo     *deviceInfoResponse      `xml:"GetDeviceInformationResponse"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"Code>Value"`
	Reason string `xml:"Reason>Text"`
}

func (f *soapFault) Error() string {
	return fmt.Sprintf("soap fault %s: %s", f.Code, f.Reason)
}

type createPullPointResponse struct {
	Address         string `xml:"SubscriptionReference>Address"`
	CurrentTime     string `xml:"CurrentTime"`
	TerminationTime string `xml:"TerminationTime"`
}

type pullMessagesResponse struct {
	CurrentTime     string                `xml:"CurrentTime"`
	TerminationTime string                `xml:"TerminationTime"`
	Messages        []notificationMessage `xml:"NotificationMessage"`
}

type renewResponse struct {
	TerminationTime string `xml:"TerminationTime"`
	CurrentTime     string `xml:"CurrentTime"`
}

type deviceInfoResponse struct {
	Manufacturer    string `xml:"Manufacturer"`
	Model           string `xml:"Model"`
	FirmwareVersion string `xml:"FirmwareVersion"`
	SerialNumber    string `xml:"SerialNumber"`
}

// notificationMessage is one WS-BaseNotification entry. The payload sits in a
// nested tt:Message element carrying the device timestamp and SimpleItems.
type notificationMessage struct {
	Topic   string         `xml:"Topic"`
	Payload messagePayload `xml:"Message>Message"`
}

type messagePayload struct {
	UtcTime   string       `xml:"UtcTime,attr"`
	Operation string       `xml:"PropertyOperation,attr"`
	Source    []simpleItem `xml:"Source>SimpleItem"`
	Data      []simpleItem `xml:"Data>SimpleItem"`
}

type simpleItem struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:"Value,attr"`
}

func parseEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parsing soap envelope: %w", err)
	}
	return &env, nil
}

// isPersonTopic reports whether a notification topic is a person-detection
// rule. Reolink publishes these as RuleEngine/MyRuleDetector/PeopleDetect;
// other vendors use People or Person in the rule name.
func isPersonTopic(topic string) bool {
	t := strings.ToLower(topic)
	return strings.Contains(t, "peopledetect") ||
		strings.Contains(t, "people") ||
		strings.Contains(t, "person")
}

// presenceValue extracts the boolean state from a payload's data items.
// Returns ok=false when no recognized item is present, in which case the
// notification is discarded as malformed.
func presenceValue(p messagePayload) (present, ok bool) {
	for _, item := range p.Data {
		switch item.Name {
		case "State", "IsPeople", "IsPerson":
			switch strings.ToLower(item.Value) {
			case "true", "1":
				return true, true
			case "false", "0":
				return false, true
			}
		}
	}
	return false, false
}

// isoDuration renders a duration as the ISO 8601 form ONVIF expects,
// e.g. PT5S. Sub-second values round up to one second.
func isoDuration(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("PT%dS", secs)
}

// parseONVIFTime handles the timestamp formats cameras actually emit.
func parseONVIFTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
