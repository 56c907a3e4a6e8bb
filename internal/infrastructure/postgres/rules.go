package postgres

import (
	"context"
	"fmt"

	"github.com/drfirst/go-enrollment/internal/rules"
)

var _ rules.Source = (*Store)(nil)

// Rules returns the program rules of a program with their actions
func (s *Store) Rules(ctx context.Context, programUID string) ([]rules.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT uid, name, condition, priority, program_stage
		FROM program_rule
		WHERE program = $1
		ORDER BY uid`, programUID)
	if err != nil {
		return nil, fmt.Errorf("query program rules: %w", err)
	}
	defer rows.Close()

	var (
		result []rules.Rule
		index  = make(map[string]int)
	)
	for rows.Next() {
		var (
			r        rules.Rule
			priority *int32
		)
		if err := rows.Scan(&r.UID, &r.Name, &r.Condition, &priority, &r.ProgramStage); err != nil {
			return nil, fmt.Errorf("scan program rule: %w", err)
		}
		if priority != nil {
			p := int(*priority)
			r.Priority = &p
		}
		index[r.UID] = len(result)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	actions, err := s.pool.Query(ctx, `
		SELECT a.uid, a.program_rule, a.action_type, a.data_element,
		       a.attribute, a.section, a.content, a.data
		FROM program_rule_action a
		  JOIN program_rule r ON a.program_rule = r.uid
		WHERE r.program = $1
		ORDER BY a.uid`, programUID)
	if err != nil {
		return nil, fmt.Errorf("query program rule actions: %w", err)
	}
	defer actions.Close()

	for actions.Next() {
		var (
			a          rules.Action
			rule, kind string
		)
		if err := actions.Scan(&a.UID, &rule, &kind, &a.DataElement, &a.Attribute,
			&a.Section, &a.Content, &a.Data); err != nil {
			return nil, fmt.Errorf("scan program rule action: %w", err)
		}
		a.Type = rules.ActionType(kind)
		if i, ok := index[rule]; ok {
			result[i].Actions = append(result[i].Actions, a)
		}
	}
	return result, actions.Err()
}

// Variables returns the rule variables of a program
func (s *Store) Variables(ctx context.Context, programUID string) ([]rules.Variable, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT uid, name, source_type, data_element, attribute, program_stage, use_code_for_option_set
		FROM program_rule_variable
		WHERE program = $1
		ORDER BY name`, programUID)
	if err != nil {
		return nil, fmt.Errorf("query rule variables: %w", err)
	}
	defer rows.Close()

	var result []rules.Variable
	for rows.Next() {
		var (
			v      rules.Variable
			source string
		)
		if err := rows.Scan(&v.UID, &v.Name, &source, &v.DataElement, &v.Attribute,
			&v.ProgramStage, &v.UseCodeForOptionSet); err != nil {
			return nil, fmt.Errorf("scan rule variable: %w", err)
		}
		v.SourceType = rules.SourceType(source)
		result = append(result, v)
	}
	return result, rows.Err()
}
