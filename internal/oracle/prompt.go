package oracle

import (
	"strconv"
	"strings"

	"github.com/dvloznov/statement-ingest/internal/preprocess"
)

const schemaPrompt = `You are a financial statement parser.

Task:
- Read the attached statement (bank, card, brokerage or pension).
- Output STRICT JSON only: one object, no comments, no trailing commas, no extra text.

The object must have these fields:
- "account": {"institution", "account_type", "number_hint" (last 4 characters of the account number), "nickname", "owner_name", "currency"}; use null for anything not shown
- "statement_start", "statement_end": "YYYY-MM-DD" or null
- "transactions": array of {"date": "YYYY-MM-DD", "description", "amount" (positive for money IN, negative for money OUT), "currency", "type", "category", "balance_after" (number or null)}
- "positions": array of {"symbol", "description", "quantity", "price", "market_value", "cost_basis", "currency", "asset_class", "as_of"}
- "balances": array of {"kind": one of "opening", "closing", "available", "cash", "total_value"; "amount"; "currency"; "as_of"}
- "confidence": number between 0 and 1
- "notes": string

Use empty arrays when the statement has no rows of a kind.
Return ONLY valid raw JSON. Do NOT wrap the response in code fences.
`

// BuildPrompt assembles the instruction text for one call.
func BuildPrompt(file *preprocess.Prepared, filename string, preset Preset, hints []string) string {
	var b strings.Builder
	b.WriteString(schemaPrompt)

	if preset.Detail != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(preset.Detail))
		b.WriteString("\n")
	}

	if len(hints) > 0 {
		b.WriteString("\nA previous extraction of this file failed these checks: ")
		b.WriteString(strings.Join(hints, ", "))
		b.WriteString(". Pay particular attention to them.\n")
	}

	if filename != "" {
		b.WriteString("\nFile name: ")
		b.WriteString(filename)
		b.WriteString("\n")
	}
	if file != nil && file.PageCount > 0 {
		b.WriteString("Pages: ")
		b.WriteString(strconv.Itoa(file.PageCount))
		b.WriteString("\n")
	}
	return b.String()
}
