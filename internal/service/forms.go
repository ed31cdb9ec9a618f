package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/llm"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Form matching constants
const (
	FormReuseMinScoreDefault = 2.0 // same-domain pattern score floor
	formDomainWeight         = 3.0
	formTypeWeight           = 2.0
)

var (
	ErrPatternNotFound    = errors.New("no form pattern matched")
	ErrCredentialMissing  = errors.New("no credential for domain")
	ErrAllSelectorsFailed = errors.New("all selectors failed")
)

// FormPattern concept prop keys.
const (
	propFingerprint  = "fingerprint"
	propDomain       = "domain"
	propPath         = "path"
	propFormType     = "form_type"
	propFields       = "fields"
	propLabels       = "labels"
	propLastUsedAt   = "lastUsedAt"
	propUsername     = "username"
	propPassword     = "password"
	propIdentityData = "identity_fields"
	propCardNumber   = "card_number"
	propCardExpiry   = "card_expiry"
	propCardCVV      = "card_cvv"
	propCardHolder   = "card_holder"
)

// fieldSynonyms maps a semantic field name to the names it may appear under.
// Order matters: the first semantic whose alias matches wins.
var fieldSynonyms = []struct {
	semantic string
	aliases  []string
}{
	{"password", []string{"password", "pass", "passwd", "pwd"}},
	{"email", []string{"email", "e-mail"}},
	{"username", []string{"username", "user", "login"}},
	{"cardNumber", []string{"cardnumber", "card_number", "cc-number", "ccnumber", "card"}},
	{"expiry", []string{"expiry", "cc-exp", "expiration", "exp", "expdate"}},
	{"cvv", []string{"cvv", "cvc", "cc-csc", "csc", "securitycode"}},
	{"name", []string{"name", "fullname", "full_name", "holder"}},
	{"phone", []string{"phone", "tel", "telephone", "mobile"}},
	{"address", []string{"address", "street", "address1", "addressline1"}},
	{"city", []string{"city", "town", "locality"}},
	{"zip", []string{"zip", "zipcode", "postal", "postcode", "postal_code"}},
}

// selectorLadders are the fallback CSS selectors tried per semantic field when
// the stored selector no longer matches.
var selectorLadders = map[string][]string{
	"email": {
		"input[type='email']",
		"input[name*='email' i]",
		"input[name*='user' i]",
		"input[id*='email' i]",
		"input[id*='user' i]",
	},
	"username": {
		"input[name*='user' i]",
		"input[id*='user' i]",
		"input[name*='login' i]",
		"input[type='email']",
	},
	"password": {
		"input[type='password']",
		"input[name*='pass' i]",
		"input[id*='pass' i]",
	},
	"cardNumber": {
		"input[autocomplete='cc-number']",
		"input[name*='card' i]",
		"input[id*='card' i]",
		"input[name*='number' i]",
	},
	"expiry": {
		"input[autocomplete='cc-exp']",
		"input[name*='exp' i]",
		"input[id*='exp' i]",
	},
	"cvv": {
		"input[autocomplete='cc-csc']",
		"input[name*='cvv' i]",
		"input[name*='cvc' i]",
		"input[id*='cvv' i]",
	},
}

// FormService fingerprints forms, stores and matches fill patterns, and runs
// autofill against a browser through the WebClient.
type FormService struct {
	ksg      *KSGService
	graph    domain.GraphStore
	embedder domain.EmbeddingClient
	llm      domain.LLMClient
	web      domain.WebClient
	locks    *keyedMutex
	logger   *zap.Logger

	minScore    float64
	useDetector bool
}

// NewFormService creates a form service. The LLM client may be nil; the
// detector fallback is skipped without one.
func NewFormService(ksg *KSGService, embedder domain.EmbeddingClient, llmClient domain.LLMClient, web domain.WebClient, minScore float64, useDetector bool, logger *zap.Logger) *FormService {
	if minScore == 0 {
		minScore = FormReuseMinScoreDefault
	}
	return &FormService{
		ksg:         ksg,
		graph:       ksg.Graph(),
		embedder:    embedder,
		llm:         llmClient,
		web:         web,
		locks:       newKeyedMutex(),
		logger:      logger,
		minScore:    minScore,
		useDetector: useDetector && llmClient != nil,
	}
}

// Fingerprint derives a stable identity for a form from its semantic shape:
// the host, path, sorted input names and types, labels, and placeholders.
// Cosmetic attributes (classes, ids, styling, ordering) do not participate,
// so a restyled page keeps its fingerprint.
func Fingerprint(pageHTML, host, path string) (string, []domain.FormField, []string, error) {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return "", nil, nil, fmt.Errorf("parse html: %w", err)
	}

	var fields []domain.FormField
	var labels []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input", "select", "textarea":
				f := domain.FormField{Type: "text"}
				for _, a := range n.Attr {
					switch a.Key {
					case "name":
						f.Name = a.Val
					case "type":
						f.Type = a.Val
					case "placeholder":
						f.Placeholder = a.Val
					case "required":
						f.Required = true
					}
				}
				if f.Type == "hidden" || f.Type == "submit" {
					break
				}
				if f.Name != "" {
					f.Selector = fmt.Sprintf("%s[name='%s']", n.Data, f.Name)
					fields = append(fields, f)
				}
			case "label":
				if text := strings.TrimSpace(nodeText(n)); text != "" {
					labels = append(labels, text)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	parts := []string{strings.ToLower(host), strings.ToLower(path)}
	var fieldKeys []string
	for _, f := range fields {
		fieldKeys = append(fieldKeys, strings.ToLower(f.Name)+":"+strings.ToLower(f.Type)+":"+strings.ToLower(f.Placeholder))
	}
	sort.Strings(fieldKeys)
	parts = append(parts, fieldKeys...)

	sortedLabels := append([]string(nil), labels...)
	for i := range sortedLabels {
		sortedLabels[i] = strings.ToLower(sortedLabels[i])
	}
	sort.Strings(sortedLabels)
	parts = append(parts, sortedLabels...)

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), fields, labels, nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// classifyFormType guesses a form type from its field names.
func classifyFormType(fields []domain.FormField) string {
	var hasPassword, hasEmail, hasCard, hasConfirm bool
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		switch {
		case f.Type == "password" || strings.Contains(name, "pass"):
			if hasPassword {
				hasConfirm = true
			}
			hasPassword = true
		case f.Type == "email" || strings.Contains(name, "email") || strings.Contains(name, "user"):
			hasEmail = true
		case strings.Contains(name, "card") || strings.Contains(name, "cvv") || strings.Contains(name, "cvc"):
			hasCard = true
		}
	}
	switch {
	case hasCard:
		return domain.FormTypePayment
	case hasPassword && hasConfirm:
		return domain.FormTypeSignup
	case hasPassword:
		return domain.FormTypeLogin
	case hasEmail:
		return domain.FormTypeContact
	}
	return domain.FormTypeGeneric
}

// SavePattern persists a form pattern concept keyed by its fingerprint.
// Saving an existing fingerprint updates the stored fields in place.
func (s *FormService) SavePattern(ctx context.Context, p *domain.FormPattern) (uuid.UUID, error) {
	if p.Fingerprint == "" {
		return uuid.Nil, fmt.Errorf("%w: fingerprint is required", ErrSchemaViolation)
	}
	if p.FormType == "" {
		p.FormType = classifyFormType(p.Fields)
	}

	existing, err := s.patternByFingerprint(ctx, p.Fingerprint)
	if err != nil && !errors.Is(err, ErrPatternNotFound) {
		return uuid.Nil, err
	}

	fieldsJSON, err := json.Marshal(p.Fields)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal fields: %w", err)
	}

	props := map[string]any{
		domain.PropName: fmt.Sprintf("%s form on %s%s", p.FormType, p.Domain, p.Path),
		propFingerprint: p.Fingerprint,
		propDomain:      p.Domain,
		propPath:        p.Path,
		propFormType:    p.FormType,
		propFields:      string(fieldsJSON),
		propLabels:      strings.Join(p.Labels, " "),
	}

	if existing != nil {
		if err := s.ksg.UpdateProperties(ctx, existing.ID, props); err != nil {
			return uuid.Nil, err
		}
		return existing.ID, nil
	}

	proto, err := s.ksg.GetPrototypeByName(ctx, domain.ProtoFormPattern)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := s.ksg.CreateConcept(ctx, proto.ID, props, nil, nil)
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("saved form pattern",
		zap.String("domain", p.Domain),
		zap.String("form_type", p.FormType),
		zap.String("id", id.String()))
	return id, nil
}

func (s *FormService) patternByFingerprint(ctx context.Context, fingerprint string) (*domain.Node, error) {
	results, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoFormPattern,
		Props:     map[string]any{propFingerprint: fingerprint},
	}, nil, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrPatternNotFound
	}
	return results[0].Node, nil
}

// MatchPattern finds the pattern for a page. Exact fingerprint first, then a
// scored same-domain match (domain and form type dominate, label token
// overlap breaks ties), then the LLM detector when enabled.
func (s *FormService) MatchPattern(ctx context.Context, pageHTML, host, path string) (*domain.FormPattern, error) {
	fingerprint, fields, labels, err := Fingerprint(pageHTML, host, path)
	if err != nil {
		return nil, err
	}
	formType := classifyFormType(fields)

	if node, err := s.patternByFingerprint(ctx, fingerprint); err == nil {
		return s.decodePattern(node), nil
	}

	candidates, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoFormPattern,
		Props:     map[string]any{propDomain: host},
	}, nil, 20, 0)
	if err != nil {
		return nil, err
	}

	var best *domain.Node
	bestScore := 0.0
	for _, c := range candidates {
		score := formDomainWeight
		if c.Node.PropString(propFormType) == formType {
			score += formTypeWeight
		}
		score += tokenOverlap(labels, strings.Fields(c.Node.PropString(propLabels)))
		if score > bestScore {
			best, bestScore = c.Node, score
		}
	}
	if best != nil && bestScore >= s.minScore {
		s.logger.Debug("matched form pattern by domain score",
			zap.String("domain", host),
			zap.Float64("score", bestScore))
		return s.decodePattern(best), nil
	}

	if s.useDetector {
		pattern, err := s.detectWithLLM(ctx, pageHTML, host, path, fingerprint)
		if err == nil {
			return pattern, nil
		}
		s.logger.Debug("form detector fallback failed", zap.Error(err))
	}

	if len(fields) > 0 {
		// The page itself told us enough; store what we parsed.
		pattern := &domain.FormPattern{
			Fingerprint: fingerprint,
			Domain:      host,
			Path:        path,
			FormType:    formType,
			Labels:      labels,
			Fields:      fields,
		}
		id, err := s.SavePattern(ctx, pattern)
		if err != nil {
			return nil, err
		}
		pattern.ID = id
		return pattern, nil
	}

	return nil, ErrPatternNotFound
}

func tokenOverlap(a, b []string) float64 {
	seen := make(map[string]bool, len(a))
	for _, t := range a {
		seen[strings.ToLower(t)] = true
	}
	overlap := 0.0
	for _, t := range b {
		if seen[strings.ToLower(t)] {
			overlap += 0.5
		}
	}
	return overlap
}

type detectedForm struct {
	FormType string `json:"form_type"`
	Fields   []struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Selector string `json:"selector"`
		Label    string `json:"label"`
	} `json:"fields"`
}

func (s *FormService) detectWithLLM(ctx context.Context, pageHTML, host, path, fingerprint string) (*domain.FormPattern, error) {
	raw, err := s.llm.Chat(ctx, []domain.Message{
		{Role: "system", Content: llm.FormDetectSystemPrompt},
		{Role: "user", Content: truncate(pageHTML, 32000)},
	}, domain.ChatOptions{JSONResponse: true})
	if err != nil {
		return nil, err
	}

	var detected detectedForm
	if err := json.Unmarshal([]byte(domain.StripCodeFences(raw)), &detected); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	if len(detected.Fields) == 0 {
		return nil, ErrPatternNotFound
	}

	pattern := &domain.FormPattern{
		Fingerprint: fingerprint,
		Domain:      host,
		Path:        path,
		FormType:    detected.FormType,
	}
	for _, f := range detected.Fields {
		pattern.Fields = append(pattern.Fields, domain.FormField{
			Name:     f.Name,
			Type:     f.Type,
			Selector: f.Selector,
			Label:    f.Label,
		})
		if f.Label != "" {
			pattern.Labels = append(pattern.Labels, f.Label)
		}
	}

	id, err := s.SavePattern(ctx, pattern)
	if err != nil {
		return nil, err
	}
	pattern.ID = id
	return pattern, nil
}

func (s *FormService) decodePattern(node *domain.Node) *domain.FormPattern {
	p := &domain.FormPattern{
		ID:           node.ID,
		Fingerprint:  node.PropString(propFingerprint),
		Domain:       node.PropString(propDomain),
		Path:         node.PropString(propPath),
		FormType:     node.PropString(propFormType),
		SuccessCount: node.PropInt(propSuccessCount),
	}
	if labels := node.PropString(propLabels); labels != "" {
		p.Labels = strings.Fields(labels)
	}
	_ = json.Unmarshal([]byte(node.PropString(propFields)), &p.Fields)
	return p
}

// SaveCredential stores or updates a domain credential.
func (s *FormService) SaveCredential(ctx context.Context, cred *domain.Credential) (uuid.UUID, error) {
	existing, err := s.credentialNode(ctx, cred.Domain)
	if err != nil && !errors.Is(err, ErrCredentialMissing) {
		return uuid.Nil, err
	}

	props := map[string]any{
		domain.PropName: "credential for " + cred.Domain,
		propDomain:      cred.Domain,
		propUsername:    cred.Username,
		propPassword:    cred.Password,
	}
	if existing != nil {
		if err := s.ksg.UpdateProperties(ctx, existing.ID, props); err != nil {
			return uuid.Nil, err
		}
		return existing.ID, nil
	}

	proto, err := s.ksg.GetPrototypeByName(ctx, domain.ProtoCredential)
	if err != nil {
		return uuid.Nil, err
	}
	// Credentials carry no embedding; they are never retrieved by similarity.
	return s.ksg.CreateConcept(ctx, proto.ID, props, []float32{}, nil)
}

func (s *FormService) credentialNode(ctx context.Context, host string) (*domain.Node, error) {
	results, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoCredential,
		Props:     map[string]any{propDomain: host},
	}, nil, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCredentialMissing, host)
	}
	return results[0].Node, nil
}

// CredentialForDomain looks up the stored credential and bumps its recall
// count.
func (s *FormService) CredentialForDomain(ctx context.Context, host string) (*domain.Credential, error) {
	node, err := s.credentialNode(ctx, host)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(node.ID)
	node, err = s.graph.GetNode(ctx, node.ID)
	if err == nil {
		node.SetProp(propRecallCount, node.PropInt(propRecallCount)+1)
		node.SetProp(propLastUsedAt, time.Now().UTC().Format(time.RFC3339))
		err = s.graph.UpsertNode(ctx, node)
	}
	unlock()
	if err != nil {
		return nil, err
	}

	return &domain.Credential{
		ID:          node.ID,
		Domain:      node.PropString(propDomain),
		Username:    node.PropString(propUsername),
		Password:    node.PropString(propPassword),
		RecallCount: node.PropInt(propRecallCount),
	}, nil
}

// fillValues resolves the values available for a page from the vault.
func (s *FormService) fillValues(ctx context.Context, host, formType string) (map[string]string, error) {
	values := map[string]string{}

	cred, err := s.CredentialForDomain(ctx, host)
	if err == nil {
		values["email"] = cred.Username
		values["username"] = cred.Username
		values["password"] = cred.Password
	} else if formType == domain.FormTypeLogin {
		return nil, err
	}

	if formType == domain.FormTypePayment {
		results, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
			Kind:      domain.KindConcept,
			Prototype: domain.ProtoPaymentMethod,
		}, nil, 1, 0)
		if err == nil && len(results) > 0 {
			n := results[0].Node
			values["cardNumber"] = n.PropString(propCardNumber)
			values["expiry"] = n.PropString(propCardExpiry)
			values["cvv"] = n.PropString(propCardCVV)
			values["name"] = n.PropString(propCardHolder)
		}
	}

	identities, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoIdentity,
	}, nil, 1, 0)
	if err == nil && len(identities) > 0 {
		var fields map[string]string
		if raw := identities[0].Node.PropString(propIdentityData); raw != "" {
			_ = json.Unmarshal([]byte(raw), &fields)
		}
		for k, v := range fields {
			if _, taken := values[k]; !taken {
				values[k] = v
			}
		}
	}

	return values, nil
}

// Autofill fills a page's form from the vault through the stored pattern.
// Each field tries its stored selector first, then walks the fallback ladder;
// a ladder win is persisted so the next fill starts from the working
// selector. Fields with no vault value are reported missing, not failed.
func (s *FormService) Autofill(ctx context.Context, url, host, path string, pageHTML string) (*domain.FillReport, error) {
	if s.web == nil {
		return nil, fmt.Errorf("no web client configured")
	}

	pattern, err := s.MatchPattern(ctx, pageHTML, host, path)
	if err != nil {
		return nil, err
	}

	values, err := s.fillValues(ctx, host, pattern.FormType)
	if err != nil {
		return nil, err
	}

	report := &domain.FillReport{}
	patternChanged := false
	for i, field := range pattern.Fields {
		semantic := semanticFieldName(field)
		value, ok := values[semantic]
		if !ok || value == "" {
			report.Missing = append(report.Missing, field.Name)
			continue
		}

		selectors := []string{}
		if field.Selector != "" {
			selectors = append(selectors, field.Selector)
		}
		for _, fallback := range selectorLadders[semantic] {
			if fallback != field.Selector {
				selectors = append(selectors, fallback)
			}
		}

		filled := false
		for idx, selector := range selectors {
			if err := s.web.Fill(ctx, url, selector, value); err != nil {
				continue
			}
			filled = true
			report.Filled = append(report.Filled, field.Name)
			if idx > 0 {
				report.Adapted = append(report.Adapted, field.Name)
				pattern.Fields[i].Selector = selector
				patternChanged = true
			}
			break
		}
		if !filled {
			return report, fmt.Errorf("field %q: %w", field.Name, ErrAllSelectorsFailed)
		}
	}

	if patternChanged {
		if _, err := s.SavePattern(ctx, pattern); err != nil {
			s.logger.Warn("failed to persist adapted selectors", zap.Error(err))
		}
	}
	if len(report.Filled) > 0 {
		s.recordPatternUse(ctx, pattern.ID)
	}
	return report, nil
}

// semanticFieldName normalizes a raw field name through the synonym table.
func semanticFieldName(field domain.FormField) string {
	name := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(field.Name))
	if field.Type == "password" {
		return "password"
	}
	if field.Type == "email" {
		return "email"
	}
	for _, entry := range fieldSynonyms {
		for _, alias := range entry.aliases {
			if name == strings.ReplaceAll(strings.ReplaceAll(alias, "-", ""), "_", "") {
				return entry.semantic
			}
		}
	}
	return field.Name
}

func (s *FormService) recordPatternUse(ctx context.Context, id uuid.UUID) {
	unlock := s.locks.Lock(id)
	defer unlock()

	node, err := s.graph.GetNode(ctx, id)
	if err != nil {
		return
	}
	node.SetProp(propSuccessCount, node.PropInt(propSuccessCount)+1)
	node.SetProp(propLastUsedAt, time.Now().UTC().Format(time.RFC3339))
	if err := s.graph.UpsertNode(ctx, node); err != nil {
		s.logger.Debug("failed to record pattern use", zap.Error(err))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
