// Package cas walks an institution's CAS login flow and Moodle's mobile
// launch handshake to obtain a webservice token from a username/password
// pair.
//
// Steps run strictly in order and none is retried: CAS flows are stateful
// and replaying a step with stale cookies only produces confusing failures.
// In particular the credential POST is issued at most once per Login.
package cas

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	appLog "campussync/internal/log"
	"campussync/internal/model"
	"campussync/internal/session"
)

const (
	casLinkMarker  = "authCAS=CAS"
	executionField = "execution"
	mobileService  = "moodle_mobile_app"
)

// Config holds the endpoints of the flow.
type Config struct {
	// MoodleBaseURL is the Moodle wwwroot without trailing slash.
	MoodleBaseURL string
	// CASBaseURL is the CAS root; credentials are posted to CASBaseURL+"/login".
	CASBaseURL string
	// URLScheme is the app scheme passed to the mobile launch endpoint.
	URLScheme string
}

// Driver runs the login state machine.
type Driver struct {
	client *session.Client
	cfg    Config
	now    func() time.Time
}

// NewDriver builds a Driver on top of a manual-redirect session client.
func NewDriver(client *session.Client, cfg Config) *Driver {
	cfg.MoodleBaseURL = strings.TrimRight(cfg.MoodleBaseURL, "/")
	cfg.CASBaseURL = strings.TrimRight(cfg.CASBaseURL, "/")
	if cfg.URLScheme == "" {
		cfg.URLScheme = "moodlemobile"
	}
	return &Driver{client: client, cfg: cfg, now: time.Now}
}

// flow is the state threaded through the steps. Each step receives the
// previous value and returns a new one.
type flow struct {
	sess      session.Session
	casURL    string // anchor found on the login page
	formURL   string // gateway-stripped CAS form page
	formBody  []byte
	execution string
	ticketURL string // service URL carrying the CAS ticket
	finalURL  string // service URL after ticket validation
	launchLoc string // redirect target of the mobile launch
}

// Login runs the whole flow and returns the bearer token. Every failure is
// a *Error; the session is discarded either way.
func (d *Driver) Login(ctx context.Context, creds model.Credentials) (string, error) {
	steps := []struct {
		name Step
		run  func(context.Context, flow, model.Credentials) (flow, error)
	}{
		{StepFetchLoginPage, d.fetchLoginPage},
		{StepInitiateCas, d.initiateCas},
		{StepNormalizeGateway, d.normalizeGateway},
		{StepScrapeExecutionToken, d.scrapeExecutionToken},
		{StepSubmitCredentials, d.submitCredentials},
		{StepValidateTicket, d.validateTicket},
		{StepFinalizeSession, d.finalizeSession},
		{StepLaunchMobile, d.launchMobile},
	}

	f := flow{sess: session.New()}
	for _, st := range steps {
		next, err := st.run(ctx, f, creds)
		if err != nil {
			appLog.Info("cas login step failed", "step", st.name, "err", err.Error())
			return "", err
		}
		appLog.Debug("cas login step done", "step", st.name, "cookies", next.sess.Len())
		f = next
	}

	token, err := ExtractToken(f.launchLoc)
	if err != nil {
		return "", fail(CodeTokenExtractionFailed, StepExtractToken, "", err)
	}
	return token, nil
}

func (d *Driver) fetchLoginPage(ctx context.Context, f flow, _ model.Credentials) (flow, error) {
	loginURL := d.cfg.MoodleBaseURL + "/login/index.php"
	resp, sess, err := d.client.FollowAll(ctx, f.sess, loginURL)
	if err != nil {
		return f, fail(CodeCasLinkMissing, StepFetchLoginPage, "login page unreachable", err)
	}
	f.sess = sess

	href, ok := findAnchor(resp.Body, casLinkMarker)
	if !ok {
		return f, fail(CodeCasLinkMissing, StepFetchLoginPage, "no CAS anchor on login page", nil)
	}
	abs, err := absolute(resp.URL, href)
	if err != nil {
		return f, fail(CodeCasLinkMissing, StepFetchLoginPage, "bad CAS anchor", err)
	}
	f.casURL = abs
	return f, nil
}

func (d *Driver) initiateCas(ctx context.Context, f flow, _ model.Credentials) (flow, error) {
	resp, sess, err := d.client.Get(ctx, f.sess, f.casURL)
	if err != nil {
		return f, fail(CodeCasNoRedirect, StepInitiateCas, "", err)
	}
	f.sess = sess
	if !resp.IsRedirect() {
		return f, fail(CodeCasNoRedirect, StepInitiateCas, "status "+strconv.Itoa(resp.StatusCode), nil)
	}
	f.formURL = StripGateway(resp.Location)
	return f, nil
}

// normalizeGateway loads the CAS form page. The gateway flag was already
// stripped from the URL in initiateCas; without it CAS must render the
// credential form since this flow holds no CAS session.
func (d *Driver) normalizeGateway(ctx context.Context, f flow, _ model.Credentials) (flow, error) {
	resp, sess, err := d.client.Get(ctx, f.sess, f.formURL)
	if err != nil {
		return f, fail(CodeCasNoRedirect, StepNormalizeGateway, "CAS form page unreachable", err)
	}
	f.sess = sess
	f.formBody = resp.Body
	return f, nil
}

func (d *Driver) scrapeExecutionToken(_ context.Context, f flow, _ model.Credentials) (flow, error) {
	value, ok := findInputValue(f.formBody, executionField)
	if !ok {
		return f, fail(CodeExecutionTokenMissing, StepScrapeExecutionToken, "no execution field on CAS form", nil)
	}
	f.execution = value
	f.formBody = nil
	return f, nil
}

func (d *Driver) submitCredentials(ctx context.Context, f flow, creds model.Credentials) (flow, error) {
	// Field order follows the browser form.
	body := strings.Join([]string{
		"username=" + url.QueryEscape(creds.Username),
		"password=" + url.QueryEscape(creds.Password),
		"execution=" + url.QueryEscape(f.execution),
		"_eventId=submit",
		"geolocation=",
	}, "&")

	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Set("Origin", origin(d.cfg.CASBaseURL))
	h.Set("Referer", f.formURL)

	resp, sess, err := d.client.Send(ctx, f.sess, session.Request{
		Method: http.MethodPost,
		URL:    d.cfg.CASBaseURL + "/login",
		Body:   body,
		Header: h,
	})
	if err != nil {
		// A transport error is not a credential verdict.
		return f, fail(CodeCasNoRedirect, StepSubmitCredentials, "credential submission failed", err)
	}
	f.sess = sess
	if !resp.IsRedirect() {
		return f, fail(CodeCasAuthFailed, StepSubmitCredentials, "CAS rejected the credentials", nil)
	}
	f.ticketURL = resp.Location
	return f, nil
}

func (d *Driver) validateTicket(ctx context.Context, f flow, _ model.Credentials) (flow, error) {
	resp, sess, err := d.client.Get(ctx, f.sess, f.ticketURL)
	if err != nil {
		return f, fail(CodeTicketValidationFailed, StepValidateTicket, "", err)
	}
	f.sess = sess
	if !resp.IsRedirect() {
		return f, fail(CodeTicketValidationFailed, StepValidateTicket, "status "+strconv.Itoa(resp.StatusCode), nil)
	}
	f.finalURL = resp.Location
	return f, nil
}

func (d *Driver) finalizeSession(ctx context.Context, f flow, _ model.Credentials) (flow, error) {
	_, sess, err := d.client.FollowAll(ctx, f.sess, f.finalURL)
	if err != nil {
		return f, fail(CodeTicketValidationFailed, StepFinalizeSession, "", err)
	}
	f.sess = sess
	return f, nil
}

func (d *Driver) launchMobile(ctx context.Context, f flow, _ model.Credentials) (flow, error) {
	// Passport is the current time so every launch is unique.
	passport := strconv.FormatInt(d.now().UnixMilli(), 10)
	launch := fmt.Sprintf("%s/admin/tool/mobile/launch.php?service=%s&passport=%s&urlscheme=%s",
		d.cfg.MoodleBaseURL, mobileService, passport, url.QueryEscape(d.cfg.URLScheme))

	resp, sess, err := d.client.Get(ctx, f.sess, launch)
	if err != nil {
		return f, fail(CodeTokenExtractionFailed, StepLaunchMobile, "", err)
	}
	f.sess = sess
	if !resp.IsRedirect() {
		return f, fail(CodeTokenExtractionFailed, StepLaunchMobile, "launch did not redirect, status "+strconv.Itoa(resp.StatusCode), nil)
	}
	f.launchLoc = resp.Location
	return f, nil
}

// StripGateway removes every "gateway=true" component from the query of
// rawURL and leaves all other bytes untouched.
func StripGateway(rawURL string) string {
	base, query, hasQuery := strings.Cut(rawURL, "?")
	if !hasQuery {
		return rawURL
	}
	frag := ""
	if i := strings.IndexByte(query, '#'); i >= 0 {
		query, frag = query[:i], query[i:]
	}
	parts := strings.Split(query, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "gateway=true" || p == "" {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return base + frag
	}
	return base + "?" + strings.Join(kept, "&") + frag
}

func absolute(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// origin reduces a URL to scheme://host.
func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
