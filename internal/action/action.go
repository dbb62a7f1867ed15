// Package action defines the plan wire format and the typed action
// vocabulary shared by the executor, gateway, and orchestrator.
package action

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type identifies an action kind. Dispatch is by exact string match;
// unrecognized values are rejected rather than ignored.
type Type string

const (
	TypeWrite            Type = "fs.write"
	TypeAppend           Type = "fs.append"
	TypeMove             Type = "fs.move"
	TypePromote          Type = "ingest.promote"
	TypePromoteGlob      Type = "ingest.promote_glob"
	TypeContainerCmd     Type = "exec.container_cmd"
	TypePassthroughShell Type = "agent.passthrough_shell"
)

// KnownTypes returns every action type the executor can dispatch.
func KnownTypes() []Type {
	return []Type{
		TypeWrite,
		TypeAppend,
		TypeMove,
		TypePromote,
		TypePromoteGlob,
		TypeContainerCmd,
		TypePassthroughShell,
	}
}

// Known reports whether t is part of the dispatch vocabulary.
func (t Type) Known() bool {
	switch t {
	case TypeWrite, TypeAppend, TypeMove, TypePromote, TypePromoteGlob,
		TypeContainerCmd, TypePassthroughShell:
		return true
	}
	return false
}

// Action is one step of a plan. Immutable once issued; ID correlates
// ledger records back to the plan step that produced them.
type Action struct {
	ID     string         `json:"id,omitempty"`
	Type   Type           `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// UnmarshalJSON also accepts promotion items at the action level,
// folding them into params. Early plan emitters placed items there.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var aux struct {
		plain
		Items json.RawMessage `json:"items,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Action(aux.plain)
	if len(aux.Items) > 0 {
		if a.Params == nil {
			a.Params = make(map[string]any)
		}
		if _, ok := a.Params["items"]; !ok {
			var items any
			if err := json.Unmarshal(aux.Items, &items); err != nil {
				return fmt.Errorf("failed to decode action items: %w", err)
			}
			a.Params["items"] = items
		}
	}
	return nil
}

// Label returns the action's ID, or a positional fallback when the
// plan did not assign one.
func (a Action) Label(index int) string {
	if a.ID != "" {
		return a.ID
	}
	return fmt.Sprintf("A%d", index)
}

// PromoteItem names one file to move into the permanent store.
type PromoteItem struct {
	Src         string            `json:"src"`
	RelativeDst string            `json:"relative_dst"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// WriteParams carries fs.write and fs.append parameters.
type WriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// MoveParams carries fs.move parameters.
type MoveParams struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// ExecParams carries exec.container_cmd and agent.passthrough_shell
// parameters. Workdir overrides the sandbox default when set.
type ExecParams struct {
	Cmd     string `json:"cmd"`
	Workdir string `json:"workdir,omitempty"`
}

// PromoteParams carries ingest.promote parameters.
type PromoteParams struct {
	Items []PromoteItem `json:"items"`
}

// PromoteGlobParams carries ingest.promote_glob parameters.
type PromoteGlobParams struct {
	SrcDir            string            `json:"src_dir"`
	Pattern           string            `json:"pattern"`
	RelativeDstPrefix string            `json:"relative_dst_prefix"`
	Tags              map[string]string `json:"tags,omitempty"`
}

func decodeParams(params map[string]any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

// WriteParams decodes and validates fs.write/fs.append parameters.
func (a Action) WriteParams() (WriteParams, error) {
	var p WriteParams
	if err := decodeParams(a.Params, &p); err != nil {
		return p, err
	}
	if p.Path == "" {
		return p, fmt.Errorf("%s requires params.path", a.Type)
	}
	return p, nil
}

// MoveParams decodes and validates fs.move parameters.
func (a Action) MoveParams() (MoveParams, error) {
	var p MoveParams
	if err := decodeParams(a.Params, &p); err != nil {
		return p, err
	}
	if p.Src == "" || p.Dst == "" {
		return p, fmt.Errorf("%s requires params.src and params.dst", a.Type)
	}
	return p, nil
}

// ExecParams decodes and validates exec parameters.
func (a Action) ExecParams() (ExecParams, error) {
	var p ExecParams
	if err := decodeParams(a.Params, &p); err != nil {
		return p, err
	}
	if p.Cmd == "" {
		return p, fmt.Errorf("%s requires params.cmd", a.Type)
	}
	return p, nil
}

// PromoteParams decodes and validates ingest.promote parameters.
func (a Action) PromoteParams() (PromoteParams, error) {
	var p PromoteParams
	if err := decodeParams(a.Params, &p); err != nil {
		return p, err
	}
	if len(p.Items) == 0 {
		return p, fmt.Errorf("%s requires at least one item", a.Type)
	}
	for i, item := range p.Items {
		if item.Src == "" {
			return p, fmt.Errorf("%s item %d missing src", a.Type, i)
		}
		if item.RelativeDst == "" {
			return p, fmt.Errorf("%s item %d missing relative_dst", a.Type, i)
		}
	}
	return p, nil
}

// PromoteGlobParams decodes and validates ingest.promote_glob parameters.
func (a Action) PromoteGlobParams() (PromoteGlobParams, error) {
	var p PromoteGlobParams
	if err := decodeParams(a.Params, &p); err != nil {
		return p, err
	}
	if p.SrcDir == "" {
		return p, fmt.Errorf("%s requires params.src_dir", a.Type)
	}
	if p.Pattern == "" {
		p.Pattern = "**/*"
	}
	return p, nil
}
