package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/drfirst/go-enrollment/internal/rules"
)

var _ rules.Source = (*Store)(nil)

// Rules returns the program rules of a program with their actions
func (s *Store) Rules(ctx context.Context, programUID string) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, name, condition, priority, programStage
		FROM ProgramRule
		WHERE program = ?
		ORDER BY uid`, programUID)
	if err != nil {
		return nil, fmt.Errorf("query program rules: %w", err)
	}

	var (
		result []rules.Rule
		index  = make(map[string]int)
	)
	for rows.Next() {
		var (
			r        rules.Rule
			priority sql.NullInt64
		)
		if err := rows.Scan(&r.UID, &r.Name, &r.Condition, &priority, &r.ProgramStage); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan program rule: %w", err)
		}
		if priority.Valid {
			p := int(priority.Int64)
			r.Priority = &p
		}
		index[r.UID] = len(result)
		result = append(result, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	actions, err := s.db.QueryContext(ctx, `
		SELECT ProgramRuleAction.uid, ProgramRuleAction.programRule, ProgramRuleAction.actionType,
		       ProgramRuleAction.dataElement, ProgramRuleAction.attribute, ProgramRuleAction.section,
		       ProgramRuleAction.content, ProgramRuleAction.data
		FROM ProgramRuleAction
		  JOIN ProgramRule ON ProgramRuleAction.programRule = ProgramRule.uid
		WHERE ProgramRule.program = ?
		ORDER BY ProgramRuleAction.uid`, programUID)
	if err != nil {
		return nil, fmt.Errorf("query program rule actions: %w", err)
	}
	defer actions.Close()

	for actions.Next() {
		var (
			a    rules.Action
			rule string
		)
		if err := actions.Scan(&a.UID, &rule, &a.Type, &a.DataElement, &a.Attribute,
			&a.Section, &a.Content, &a.Data); err != nil {
			return nil, fmt.Errorf("scan program rule action: %w", err)
		}
		if i, ok := index[rule]; ok {
			result[i].Actions = append(result[i].Actions, a)
		}
	}
	return result, actions.Err()
}

// Variables returns the rule variables of a program
func (s *Store) Variables(ctx context.Context, programUID string) ([]rules.Variable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, name, sourceType, dataElement, attribute, programStage, useCodeForOptionSet
		FROM ProgramRuleVariable
		WHERE program = ?
		ORDER BY name`, programUID)
	if err != nil {
		return nil, fmt.Errorf("query rule variables: %w", err)
	}
	defer rows.Close()

	var result []rules.Variable
	for rows.Next() {
		var v rules.Variable
		if err := rows.Scan(&v.UID, &v.Name, &v.SourceType, &v.DataElement, &v.Attribute,
			&v.ProgramStage, &v.UseCodeForOptionSet); err != nil {
			return nil, fmt.Errorf("scan rule variable: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}
