package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/statement-ingest/internal/domain"
)

// ParseExtraction converts raw oracle text into an ExtractionResult. It
// accepts a top-level object or, for older prompts, a bare transaction
// array.
func ParseExtraction(raw string) (*domain.ExtractionResult, error) {
	clean := cleanModelJSON(raw)
	if clean == "" {
		return nil, fmt.Errorf("ParseExtraction: empty response")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(clean)))
	dec.UseNumber()
	var parsed interface{}
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ParseExtraction: unmarshal JSON: %w", err)
	}

	var obj map[string]interface{}
	switch v := parsed.(type) {
	case map[string]interface{}:
		obj = v
	case []interface{}:
		obj = map[string]interface{}{"transactions": v}
	default:
		return nil, fmt.Errorf("ParseExtraction: top-level value is %T, want object", parsed)
	}

	_, hasTx := obj["transactions"]
	_, hasPos := obj["positions"]
	_, hasBal := obj["balances"]
	if !hasTx && !hasPos && !hasBal {
		return nil, fmt.Errorf("ParseExtraction: missing required field %q", "transactions")
	}

	res := &domain.ExtractionResult{}
	var err error

	if res.Account, err = parseAccount(obj["account"]); err != nil {
		return nil, fmt.Errorf("ParseExtraction: account: %w", err)
	}
	if res.StatementStart, err = getOptionalDateField(obj, "statement_start"); err != nil {
		return nil, fmt.Errorf("ParseExtraction: %w", err)
	}
	if res.StatementEnd, err = getOptionalDateField(obj, "statement_end"); err != nil {
		return nil, fmt.Errorf("ParseExtraction: %w", err)
	}
	if res.Transactions, err = parseTransactions(obj["transactions"], res.Account.Currency); err != nil {
		return nil, fmt.Errorf("ParseExtraction: %w", err)
	}
	if res.Positions, err = parsePositions(obj["positions"], res.Account.Currency); err != nil {
		return nil, fmt.Errorf("ParseExtraction: %w", err)
	}
	if res.Balances, err = parseBalances(obj["balances"], res.Account.Currency); err != nil {
		return nil, fmt.Errorf("ParseExtraction: %w", err)
	}

	if conf, err := getOptionalDecimalField(obj, "confidence"); err != nil {
		return nil, fmt.Errorf("ParseExtraction: %w", err)
	} else if conf != nil {
		res.Confidence = conf.InexactFloat64()
	}
	if notes, err := getOptionalStringField(obj, "notes"); err != nil {
		return nil, fmt.Errorf("ParseExtraction: %w", err)
	} else if notes != nil {
		res.Notes = *notes
	}

	return res, nil
}

func parseAccount(v interface{}) (domain.DetectedAccount, error) {
	var acc domain.DetectedAccount
	if v == nil {
		return acc, nil
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return acc, fmt.Errorf("has type %T, want object", v)
	}

	fields := []struct {
		key string
		dst *string
	}{
		{"institution", &acc.Institution},
		{"account_type", &acc.AccountType},
		{"number_hint", &acc.NumberHint},
		{"nickname", &acc.Nickname},
		{"owner_name", &acc.OwnerName},
		{"currency", &acc.Currency},
	}
	for _, f := range fields {
		s, err := getOptionalStringField(obj, f.key)
		if err != nil {
			return acc, err
		}
		if s != nil {
			*f.dst = *s
		}
	}
	acc.Currency = strings.ToUpper(acc.Currency)
	return acc, nil
}

func parseTransactions(v interface{}, currency string) ([]domain.Transaction, error) {
	items, err := asArray(v, "transactions")
	if err != nil {
		return nil, err
	}

	out := make([]domain.Transaction, 0, len(items))
	for i, obj := range items {
		date, err := getDateField(obj, "date")
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		desc, err := getStringField(obj, "description", true)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		amount, err := getDecimalField(obj, "amount")
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		balanceAfter, err := getOptionalDecimalField(obj, "balance_after")
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}

		t := domain.Transaction{
			Date:         date,
			Description:  strings.TrimSpace(desc),
			Amount:       amount,
			Currency:     optionalUpper(obj, "currency", currency),
			Type:         optionalString(obj, "type"),
			Category:     optionalString(obj, "category"),
			BalanceAfter: balanceAfter,
		}
		out = append(out, t)
	}
	return out, nil
}

func parsePositions(v interface{}, currency string) ([]domain.Position, error) {
	items, err := asArray(v, "positions")
	if err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(items))
	for i, obj := range items {
		quantity, err := getOptionalDecimalField(obj, "quantity")
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		price, err := getOptionalDecimalField(obj, "price")
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		value, err := getOptionalDecimalField(obj, "market_value")
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		costBasis, err := getOptionalDecimalField(obj, "cost_basis")
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		asOf, err := getOptionalDateField(obj, "as_of")
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}

		p := domain.Position{
			Symbol:      optionalString(obj, "symbol"),
			Description: optionalString(obj, "description"),
			Price:       price,
			CostBasis:   costBasis,
			Currency:    optionalUpper(obj, "currency", currency),
			AssetClass:  optionalString(obj, "asset_class"),
			AsOf:        asOf,
		}
		if p.Symbol == "" && p.Description == "" {
			return nil, fmt.Errorf("position %d: missing required field %q", i, "symbol")
		}
		if quantity != nil {
			p.Quantity = *quantity
		}
		switch {
		case value != nil:
			p.MarketValue = *value
		case quantity != nil && price != nil:
			p.MarketValue = quantity.Mul(*price)
		default:
			return nil, fmt.Errorf("position %d: missing required field %q", i, "market_value")
		}
		out = append(out, p)
	}
	return out, nil
}

func parseBalances(v interface{}, currency string) ([]domain.Balance, error) {
	items, err := asArray(v, "balances")
	if err != nil {
		return nil, err
	}

	out := make([]domain.Balance, 0, len(items))
	for i, obj := range items {
		kind, err := getStringField(obj, "kind", true)
		if err != nil {
			return nil, fmt.Errorf("balance %d: %w", i, err)
		}
		amount, err := getDecimalField(obj, "amount")
		if err != nil {
			return nil, fmt.Errorf("balance %d: %w", i, err)
		}
		asOf, err := getOptionalDateField(obj, "as_of")
		if err != nil {
			return nil, fmt.Errorf("balance %d: %w", i, err)
		}

		k := domain.BalanceKind(strings.ToLower(strings.TrimSpace(kind)))
		switch k {
		case domain.BalanceOpening, domain.BalanceClosing, domain.BalanceAvailable,
			domain.BalanceCash, domain.BalanceTotalValue:
		default:
			return nil, fmt.Errorf("balance %d: unknown kind %q", i, kind)
		}

		out = append(out, domain.Balance{
			Kind:     k,
			Amount:   amount,
			Currency: optionalUpper(obj, "currency", currency),
			AsOf:     asOf,
		})
	}
	return out, nil
}

func asArray(v interface{}, name string) ([]map[string]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	slice, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%q is %T, want array", name, v)
	}
	out := make([]map[string]interface{}, 0, len(slice))
	for i, item := range slice {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s element %d is %T, want object", name, i, item)
		}
		out = append(out, obj)
	}
	return out, nil
}

// cleanModelJSON strips markdown fences and any prose around the outermost
// JSON object or array.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	if end := strings.LastIndex(s, closer); end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}

func getStringField(m map[string]interface{}, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	switch val := v.(type) {
	case string:
		if required && strings.TrimSpace(val) == "" {
			return "", fmt.Errorf("required field %q is empty", key)
		}
		return val, nil
	case json.Number:
		return val.String(), nil
	default:
		return "", fmt.Errorf("field %q has type %T, want string", key, v)
	}
}

func getOptionalStringField(m map[string]interface{}, key string) (*string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if s == "" || strings.EqualFold(s, "null") {
			return nil, nil
		}
		return &s, nil
	case json.Number:
		s := val.String()
		return &s, nil
	default:
		return nil, fmt.Errorf("field %q has type %T, want string or null", key, v)
	}
}

// optionalString ignores type errors on purely descriptive fields.
func optionalString(m map[string]interface{}, key string) string {
	s, err := getOptionalStringField(m, key)
	if err != nil || s == nil {
		return ""
	}
	return *s
}

func optionalUpper(m map[string]interface{}, key, fallback string) string {
	if s := optionalString(m, key); s != "" {
		return strings.ToUpper(s)
	}
	return fallback
}

func getDecimalField(m map[string]interface{}, key string) (decimal.Decimal, error) {
	d, err := getOptionalDecimalField(m, key)
	if err != nil {
		return decimal.Zero, err
	}
	if d == nil {
		return decimal.Zero, fmt.Errorf("missing required field %q", key)
	}
	return *d, nil
}

// getOptionalDecimalField accepts JSON numbers and numeric strings such as
// "1,234.50", "£12.00" or "(45.10)".
func getOptionalDecimalField(m map[string]interface{}, key string) (*decimal.Decimal, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err != nil {
			return nil, fmt.Errorf("field %q: invalid number %q: %w", key, val, err)
		}
		return &d, nil
	case float64:
		d := decimal.NewFromFloat(val)
		return &d, nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" || strings.EqualFold(s, "null") {
			return nil, nil
		}
		d, err := parseAmountString(s)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		return &d, nil
	default:
		return nil, fmt.Errorf("field %q has type %T, want number", key, v)
	}
}

func parseAmountString(s string) (decimal.Decimal, error) {
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-', r == '+':
			b.WriteRune(r)
		case r == ',', r == ' ', r == '\u00a0':
		default:
			// currency symbols and codes
			if r > 127 || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || r == '$' {
				continue
			}
			return decimal.Zero, fmt.Errorf("invalid amount %q", s)
		}
	}

	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func getDateField(m map[string]interface{}, key string) (civil.Date, error) {
	d, err := getOptionalDateField(m, key)
	if err != nil {
		return civil.Date{}, err
	}
	if d == nil {
		return civil.Date{}, fmt.Errorf("missing required field %q", key)
	}
	return *d, nil
}

func getOptionalDateField(m map[string]interface{}, key string) (*civil.Date, error) {
	s, err := getOptionalStringField(m, key)
	if err != nil || s == nil {
		return nil, err
	}
	v := *s
	// tolerate full timestamps
	if len(v) > 10 && v[10] == 'T' {
		v = v[:10]
	}
	d, err := civil.ParseDate(v)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q in field %q: %w", *s, key, err)
	}
	return &d, nil
}
