package nl2sql

import (
	"encoding/json"
	"fmt"
	"strings"
)

const intentSystemPrompt = `You classify messages sent to a database question-answering assistant.
Return a single JSON object with these fields:
  primary_intent: one of "database_query", "greeting", "data_guide", "out_of_scope"
  intent_summary: one sentence restating what the user wants
  is_refinement: true when the message modifies the previous query rather than asking a new question
  confidence: number between 0 and 1
  needs_schema_search: true when tables beyond required_tables may be needed
  required_tables: table names from the summary that the answer needs
  new_entities: for refinements, entities not present in the previous query
  is_ambiguous: true when the question cannot be answered without clarification
  clarifying_questions: questions to ask when ambiguous
  direct_response: the reply to send when no SQL should be generated
  rejected: true when the request asks for restricted data
Return JSON only.`

const buildSystemPrompt = `You translate analytics questions into a canonical query description for a %s database.
Return a single JSON object with these fields:
  primary_table: {"name": table, "alias": short alias}
  joins: [{"table": name, "alias": alias, "type": "INNER"|"LEFT"|"RIGHT"|"FULL", "on": {"left_column": "a.col", "operator": "=", "right_column": "b.col"}}]
  columns: ["alias.column"] or [{"column": "alias.column", "aggregate": "COUNT"|"SUM"|"AVG"|"MIN"|"MAX", "alias": name}]
  filters: [{"column": "alias.column", "operator": "=", "value": value}] or raw predicate strings
  group_by: ["alias.column"]
  order_by: [{"column": "alias.column or output alias", "direction": "asc"|"desc"}]
  limit: integer
  correction_note: optional note explaining omitted entities
Rules:
- Use only the tables and columns listed in the schema.
- Never reference restricted entities; omit them and say so in correction_note.
- Qualify every column with its table alias.
- Add a limit unless the question asks for every row.
Return JSON only.`

const correctSystemPrompt = `You repair a %s SQL query that failed validation.
Return a single JSON object {"generated_sql": "...", "correction_note": "..."}.
Rules:
- Use only the tables and columns listed in the schema.
- Never reference restricted entities.
- Keep the query's meaning; change only what the errors require.
- The SQL must be a single SELECT statement.
Return JSON only.`

func intentUserPrompt(req IntentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tables: %s\n", joinOrNone(req.Tables))
	fmt.Fprintf(&b, "Restricted entities: %s\n", joinOrNone(req.Restricted))
	fmt.Fprintf(&b, "Previous message: %s\n", orNA(req.PreviousMessage))
	fmt.Fprintf(&b, "Previous SQL: %s\n\n", orNA(req.PreviousSQL))
	fmt.Fprintf(&b, "Message:\n%s", strings.TrimSpace(req.Message))
	return b.String()
}

func buildUserPrompt(req BuildRequest) (string, error) {
	schema, err := json.Marshal(req.Tables)
	if err != nil {
		return "", fmt.Errorf("marshal table context: %w", err)
	}
	intent, err := json.Marshal(req.Intent)
	if err != nil {
		return "", fmt.Errorf("marshal intent: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tenant: %s\n", req.TenantID)
	fmt.Fprintf(&b, "Schema (JSON):\n%s\n", schema)
	fmt.Fprintf(&b, "Relationships: %s\n", joinOrNone(req.Relationships))
	fmt.Fprintf(&b, "Restricted entities: %s\n", joinOrNone(req.Restricted))
	fmt.Fprintf(&b, "Intent analysis (JSON):\n%s\n", intent)
	if req.Intent.Refinement {
		fmt.Fprintf(&b, "Previous SQL to modify: %s\n", orNA(req.PreviousSQL))
		if len(req.PreviousQuery) > 0 {
			fmt.Fprintf(&b, "Previous canonical query:\n%s\n", req.PreviousQuery)
		}
	}
	fmt.Fprintf(&b, "\nQuestion:\n%s", strings.TrimSpace(req.Message))
	return b.String(), nil
}

func correctUserPrompt(req CorrectionRequest) (string, error) {
	schema, err := json.Marshal(req.Tables)
	if err != nil {
		return "", fmt.Errorf("marshal table context: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Schema (JSON):\n%s\n", schema)
	fmt.Fprintf(&b, "Restricted entities: %s\n\n", joinOrNone(req.Restricted))
	fmt.Fprintf(&b, "Failed SQL:\n%s\n\n", strings.TrimSpace(req.FailedSQL))
	fmt.Fprintf(&b, "The following errors were found in the generated SQL. Fix all of them:\n%s", strings.TrimSpace(req.Errors))
	return b.String(), nil
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}

func orNA(value string) string {
	if strings.TrimSpace(value) == "" {
		return "N/A"
	}
	return value
}
