package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const loginHTML = `<html><body>
<form class="sleek-form" id="login-box">
  <label>Email address</label>
  <input type="email" name="email" placeholder="you@example.com" required>
  <label>Password</label>
  <input type="password" name="password" required>
  <button type="submit">Sign in</button>
</form>
</body></html>`

// Same form, restyled: different classes, extra wrappers, reordered
// attributes.
const loginHTMLRestyled = `<html><body>
<div class="hero"><form id="auth" class="compact dark">
  <div><label>Password</label>
  <input name="password" type="password" required></div>
  <div><label>Email address</label>
  <input placeholder="you@example.com" name="email" type="email" required></div>
  <button class="cta" type="submit">Sign in</button>
</form></div>
</body></html>`

const paymentHTML = `<html><body><form>
<label>Card number</label><input name="card_number" type="text">
<label>Expiry</label><input name="cc-exp" type="text">
<label>CVV</label><input name="cvv" type="text">
</form></body></html>`

var errSelectorNotFound = errors.New("selector not found")

// scriptedWebClient fails selectors listed in failing and records fills.
type scriptedWebClient struct {
	failing map[string]bool
	fills   map[string]string
}

func newScriptedWebClient(failing ...string) *scriptedWebClient {
	c := &scriptedWebClient{failing: map[string]bool{}, fills: map[string]string{}}
	for _, s := range failing {
		c.failing[s] = true
	}
	return c
}

func (c *scriptedWebClient) GetDOM(_ context.Context, _ string) (*domain.DOMResult, error) {
	return &domain.DOMResult{HTML: loginHTML}, nil
}

func (c *scriptedWebClient) Screenshot(_ context.Context, _ string) (string, error) {
	return "/tmp/shot.png", nil
}

func (c *scriptedWebClient) Fill(_ context.Context, _, selector, text string) error {
	if c.failing[selector] {
		return errSelectorNotFound
	}
	c.fills[selector] = text
	return nil
}

func (c *scriptedWebClient) Click(_ context.Context, _, selector string) error {
	if c.failing[selector] {
		return errSelectorNotFound
	}
	return nil
}

func (c *scriptedWebClient) WaitFor(_ context.Context, _, _ string, _ time.Duration) error {
	return nil
}

func newTestForms(t *testing.T, web domain.WebClient) *FormService {
	t.Helper()
	ksg := newTestKSG(t)
	return NewFormService(ksg, embedding.NewMockClient(testEmbeddingDim), nil, web, 0, false, zap.NewNop())
}

func TestFingerprintStableUnderCosmeticChange(t *testing.T) {
	fp1, fields, labels, err := Fingerprint(loginHTML, "example.com", "/login")
	require.NoError(t, err)
	fp2, _, _, err := Fingerprint(loginHTMLRestyled, "example.com", "/login")
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2, "restyle must not change the fingerprint")

	require.Len(t, fields, 2)
	assert.Contains(t, labels, "Email address")

	fp3, _, _, err := Fingerprint(loginHTML, "example.com", "/signin")
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3, "path participates in the fingerprint")

	changed, _, _, err := Fingerprint(`<html><body><form>
<input type="email" name="user_email"><input type="password" name="password">
</form></body></html>`, "example.com", "/login")
	require.NoError(t, err)
	assert.NotEqual(t, fp1, changed, "field rename changes the fingerprint")
}

func TestClassifyFormType(t *testing.T) {
	_, loginFields, _, err := Fingerprint(loginHTML, "example.com", "/login")
	require.NoError(t, err)
	assert.Equal(t, domain.FormTypeLogin, classifyFormType(loginFields))

	_, payFields, _, err := Fingerprint(paymentHTML, "shop.example.com", "/checkout")
	require.NoError(t, err)
	assert.Equal(t, domain.FormTypePayment, classifyFormType(payFields))

	signup := []domain.FormField{
		{Name: "email", Type: "email"},
		{Name: "password", Type: "password"},
		{Name: "password_confirm", Type: "password"},
	}
	assert.Equal(t, domain.FormTypeSignup, classifyFormType(signup))
}

func TestMatchPatternExactFingerprint(t *testing.T) {
	forms := newTestForms(t, nil)
	ctx := context.Background()

	fp, fields, labels, err := Fingerprint(loginHTML, "example.com", "/login")
	require.NoError(t, err)
	id, err := forms.SavePattern(ctx, &domain.FormPattern{
		Fingerprint: fp,
		Domain:      "example.com",
		Path:        "/login",
		Labels:      labels,
		Fields:      fields,
	})
	require.NoError(t, err)

	got, err := forms.MatchPattern(ctx, loginHTMLRestyled, "example.com", "/login")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, domain.FormTypeLogin, got.FormType)
	require.Len(t, got.Fields, 2)
}

func TestMatchPatternByDomainScore(t *testing.T) {
	forms := newTestForms(t, nil)
	ctx := context.Background()

	fp, fields, labels, err := Fingerprint(loginHTML, "example.com", "/login")
	require.NoError(t, err)
	id, err := forms.SavePattern(ctx, &domain.FormPattern{
		Fingerprint: fp,
		Domain:      "example.com",
		Path:        "/login",
		Labels:      labels,
		Fields:      fields,
	})
	require.NoError(t, err)

	// New path, new fingerprint, same domain and form type.
	moved := `<html><body><form>
<label>Email address</label><input type="email" name="login_email">
<label>Password</label><input type="password" name="login_password">
</form></body></html>`
	got, err := forms.MatchPattern(ctx, moved, "example.com", "/auth/signin")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID, "same-domain login form should reuse the stored pattern")
}

func TestMatchPatternUnknownDomainFallsBackToParsedFields(t *testing.T) {
	forms := newTestForms(t, nil)
	ctx := context.Background()

	got, err := forms.MatchPattern(ctx, loginHTML, "fresh.example.org", "/login")
	require.NoError(t, err)
	assert.Equal(t, "fresh.example.org", got.Domain)
	require.Len(t, got.Fields, 2)

	// The parsed pattern was persisted; a second match is exact.
	again, err := forms.MatchPattern(ctx, loginHTML, "fresh.example.org", "/login")
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)
}

func TestCredentialRecallCount(t *testing.T) {
	forms := newTestForms(t, nil)
	ctx := context.Background()

	_, err := forms.SaveCredential(ctx, &domain.Credential{
		Domain:   "example.com",
		Username: "alice@example.com",
		Password: "hunter2",
	})
	require.NoError(t, err)

	first, err := forms.CredentialForDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, first.RecallCount)

	second, err := forms.CredentialForDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, second.RecallCount)
	assert.Equal(t, "hunter2", second.Password)

	_, err = forms.CredentialForDomain(ctx, "unknown.example.com")
	assert.ErrorIs(t, err, ErrCredentialMissing)
}

func TestAutofillFillsFromVault(t *testing.T) {
	web := newScriptedWebClient()
	forms := newTestForms(t, web)
	ctx := context.Background()

	_, err := forms.SaveCredential(ctx, &domain.Credential{
		Domain:   "example.com",
		Username: "alice@example.com",
		Password: "hunter2",
	})
	require.NoError(t, err)

	report, err := forms.Autofill(ctx, "https://example.com/login", "example.com", "/login", loginHTML)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"email", "password"}, report.Filled)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Adapted)
	assert.Equal(t, "alice@example.com", web.fills["input[name='email']"])
	assert.Equal(t, "hunter2", web.fills["input[name='password']"])
}

func TestAutofillWalksSelectorLadderAndPersistsWinner(t *testing.T) {
	web := newScriptedWebClient("input[name='email']", "input[type='email']")
	forms := newTestForms(t, web)
	ctx := context.Background()

	_, err := forms.SaveCredential(ctx, &domain.Credential{
		Domain:   "example.com",
		Username: "alice@example.com",
		Password: "hunter2",
	})
	require.NoError(t, err)

	report, err := forms.Autofill(ctx, "https://example.com/login", "example.com", "/login", loginHTML)
	require.NoError(t, err)
	assert.Contains(t, report.Adapted, "email")
	assert.Equal(t, "alice@example.com", web.fills["input[name*='email' i]"])

	// Winner was persisted on the stored pattern.
	pattern, err := forms.MatchPattern(ctx, loginHTML, "example.com", "/login")
	require.NoError(t, err)
	for _, f := range pattern.Fields {
		if f.Name == "email" {
			assert.Equal(t, "input[name*='email' i]", f.Selector)
		}
	}
}

func TestAutofillMissingCredentialOnLoginForm(t *testing.T) {
	forms := newTestForms(t, newScriptedWebClient())
	_, err := forms.Autofill(context.Background(), "https://example.com/login", "example.com", "/login", loginHTML)
	assert.ErrorIs(t, err, ErrCredentialMissing)
}

func TestAutofillAllSelectorsFailed(t *testing.T) {
	web := newScriptedWebClient(
		"input[name='password']",
		"input[type='password']",
		"input[name*='pass' i]",
		"input[id*='pass' i]",
	)
	forms := newTestForms(t, web)
	ctx := context.Background()

	_, err := forms.SaveCredential(ctx, &domain.Credential{
		Domain:   "example.com",
		Username: "alice@example.com",
		Password: "hunter2",
	})
	require.NoError(t, err)

	_, err = forms.Autofill(ctx, "https://example.com/login", "example.com", "/login", loginHTML)
	assert.ErrorIs(t, err, ErrAllSelectorsFailed)
}
