package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/surf-session-core/internal/browser"
	"github.com/surf-session-core/internal/registry"
	"github.com/surf-session-core/internal/types"
)

// Operation names one request the API accepts at /v1/operations/:operation
type Operation string

const (
	OpProfileList    Operation = "profile.list"
	OpProfileGet     Operation = "profile.get"
	OpProfileDelete  Operation = "profile.delete"
	OpProfileClone   Operation = "profile.clone"
	OpProfileExport  Operation = "profile.export"
	OpProfileImport  Operation = "profile.import"
	OpProfileCleanup Operation = "profile.cleanup"

	OpProxyAdd      Operation = "proxy.add"
	OpProxyAddLines Operation = "proxy.add_lines"
	OpProxyGet      Operation = "proxy.get"
	OpProxyUpdate   Operation = "proxy.update"
	OpProxyRemove   Operation = "proxy.remove"
	OpProxyList     Operation = "proxy.list"
	OpProxyTest     Operation = "proxy.test"
	OpProxyTestAll  Operation = "proxy.test_all"
	OpProxyStats    Operation = "proxy.stats"
	OpProxyImport   Operation = "proxy.import"
	OpProxyExport   Operation = "proxy.export"
	OpProxySelect   Operation = "proxy.select"

	OpSessionOpen  Operation = "session.open"
	OpSessionSave  Operation = "session.save"
	OpSessionLoad  Operation = "session.load"
	OpSessionClose Operation = "session.close"
	OpSessionList  Operation = "session.list"
)

type operationFunc func(s *Server, ctx context.Context, body []byte) (any, error)

var operationTable = map[Operation]operationFunc{
	OpProfileList:    profileList,
	OpProfileGet:     profileGet,
	OpProfileDelete:  profileDelete,
	OpProfileClone:   profileClone,
	OpProfileExport:  profileExport,
	OpProfileImport:  profileImport,
	OpProfileCleanup: profileCleanup,

	OpProxyAdd:      proxyAdd,
	OpProxyAddLines: proxyAddLines,
	OpProxyGet:      proxyGet,
	OpProxyUpdate:   proxyUpdate,
	OpProxyRemove:   proxyRemove,
	OpProxyList:     proxyList,
	OpProxyTest:     proxyTest,
	OpProxyTestAll:  proxyTestAll,
	OpProxyStats:    proxyStats,
	OpProxyImport:   proxyImport,
	OpProxyExport:   proxyExport,
	OpProxySelect:   proxySelect,

	OpSessionOpen:  sessionOpen,
	OpSessionSave:  sessionSave,
	OpSessionLoad:  sessionLoad,
	OpSessionClose: sessionClose,
	OpSessionList:  sessionList,
}

// Valid reports whether op has a handler
func (op Operation) Valid() bool {
	_, ok := operationTable[op]
	return ok
}

// Operations lists every supported operation in name order
func Operations() []Operation {
	ops := make([]Operation, 0, len(operationTable))
	for op := range operationTable {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// decode unmarshals an optional JSON body into dst. Unknown fields are rejected.
func decode(body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode params: %v: %w", err, types.ErrValidation)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required: %w", field, types.ErrValidation)
	}
	return nil
}

type idParams struct {
	ID string `json:"id"`
}

func decodeID(body []byte) (string, error) {
	var p idParams
	if err := decode(body, &p); err != nil {
		return "", err
	}
	return p.ID, required("id", p.ID)
}

// Profiles

func profileList(s *Server, _ context.Context, _ []byte) (any, error) {
	return s.services.Profiles.List(), nil
}

func profileGet(s *Server, _ context.Context, body []byte) (any, error) {
	id, err := decodeID(body)
	if err != nil {
		return nil, err
	}
	return s.services.Profiles.Get(id)
}

func profileDelete(s *Server, _ context.Context, body []byte) (any, error) {
	id, err := decodeID(body)
	if err != nil {
		return nil, err
	}
	if err := s.services.Profiles.Delete(id); err != nil {
		return nil, err
	}
	return object{"deleted": id}, nil
}

func profileClone(s *Server, _ context.Context, body []byte) (any, error) {
	var p struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if err := required("id", p.ID); err != nil {
		return nil, err
	}
	if err := required("name", p.Name); err != nil {
		return nil, err
	}
	return s.services.Profiles.Clone(p.ID, p.Name)
}

func profileExport(s *Server, _ context.Context, body []byte) (any, error) {
	id, err := decodeID(body)
	if err != nil {
		return nil, err
	}
	data, err := s.services.Profiles.Export(id)
	if err != nil {
		return nil, err
	}
	return object{"data": data}, nil
}

func profileImport(s *Server, _ context.Context, body []byte) (any, error) {
	var p struct {
		Data string `json:"data"`
		Name string `json:"name"`
	}
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if err := required("data", p.Data); err != nil {
		return nil, err
	}
	return s.services.Profiles.Import(p.Data, p.Name)
}

func profileCleanup(s *Server, _ context.Context, body []byte) (any, error) {
	var p struct {
		Days int `json:"days"`
	}
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if p.Days < 0 {
		return nil, fmt.Errorf("days must not be negative: %w", types.ErrValidation)
	}
	if p.Days == 0 {
		p.Days = s.config.Profiles.RetentionDays
	}
	removed, err := s.services.Profiles.CleanupOlderThan(p.Days)
	if err != nil {
		return nil, err
	}
	return object{"removed": removed}, nil
}

// Proxies

func proxyAdd(s *Server, _ context.Context, body []byte) (any, error) {
	var p types.Proxy
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	return s.services.Proxies.Add(p)
}

func proxyAddLines(s *Server, _ context.Context, body []byte) (any, error) {
	var p struct {
		Lines     []string           `json:"lines"`
		Overrides registry.Overrides `json:"overrides"`
	}
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	return s.services.Proxies.AddFromLines(p.Lines, p.Overrides), nil
}

func proxyGet(s *Server, _ context.Context, body []byte) (any, error) {
	id, err := decodeID(body)
	if err != nil {
		return nil, err
	}
	return s.services.Proxies.Get(id)
}

func proxyUpdate(s *Server, _ context.Context, body []byte) (any, error) {
	var p struct {
		ID    string         `json:"id"`
		Patch registry.Patch `json:"patch"`
	}
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if err := required("id", p.ID); err != nil {
		return nil, err
	}
	return s.services.Proxies.Update(p.ID, p.Patch)
}

func proxyRemove(s *Server, _ context.Context, body []byte) (any, error) {
	id, err := decodeID(body)
	if err != nil {
		return nil, err
	}
	if err := s.services.Proxies.Remove(id); err != nil {
		return nil, err
	}
	return object{"removed": id}, nil
}

func proxyList(s *Server, _ context.Context, _ []byte) (any, error) {
	return s.services.Proxies.List(), nil
}

func proxyTest(s *Server, ctx context.Context, body []byte) (any, error) {
	id, err := decodeID(body)
	if err != nil {
		return nil, err
	}
	return s.services.Proxies.TestOne(ctx, id), nil
}

func proxyTestAll(s *Server, ctx context.Context, _ []byte) (any, error) {
	return s.services.Proxies.TestAll(ctx), nil
}

func proxyStats(s *Server, _ context.Context, _ []byte) (any, error) {
	return s.services.Proxies.Statistics(), nil
}

func proxyImport(s *Server, _ context.Context, body []byte) (any, error) {
	var p struct {
		Content string `json:"content"`
		Format  string `json:"format"`
	}
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	n, err := s.services.Proxies.Import([]byte(p.Content), p.Format)
	if err != nil {
		return nil, err
	}
	return object{"imported": n}, nil
}

func proxyExport(s *Server, _ context.Context, body []byte) (any, error) {
	var p struct {
		Format string `json:"format"`
	}
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	data, err := s.services.Proxies.Export(p.Format)
	if err != nil {
		return nil, err
	}
	return object{"content": string(data)}, nil
}

func proxySelect(s *Server, _ context.Context, body []byte) (any, error) {
	var p struct {
		Session  string                `json:"session"`
		Rotation *types.RotationConfig `json:"rotation"`
		Geo      *types.GeoFilter      `json:"geo"`
	}
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if err := required("session", p.Session); err != nil {
		return nil, err
	}

	rotation := s.config.Rotation.RotationConfig
	if p.Rotation != nil {
		rotation = *p.Rotation
	}
	geo := s.config.GeoFilter()
	if p.Geo != nil {
		geo = *p.Geo
	}

	proxy, ok := s.services.Selector.Select(p.Session, rotation, geo)
	if !ok {
		return object{"proxy": nil}, nil
	}
	return object{"proxy": proxy}, nil
}

// Sessions

type sessionParams struct {
	Session string          `json:"session"`
	Request browser.Request `json:"request"`
}

func (s *Server) decodeSession(body []byte, p *sessionParams) error {
	p.Request.Launch = types.LaunchOptions{
		Browser:  s.config.Engine.Browser,
		Headless: s.config.Engine.Headless,
	}
	if err := decode(body, p); err != nil {
		return err
	}
	return required("session", p.Session)
}

func sessionOpen(s *Server, ctx context.Context, body []byte) (any, error) {
	var p sessionParams
	if err := s.decodeSession(body, &p); err != nil {
		return nil, err
	}
	if _, err := s.services.Browser.GetOrCreateContext(ctx, p.Session, p.Request); err != nil {
		return nil, err
	}
	return sessionState(s, p.Session), nil
}

func sessionSave(s *Server, ctx context.Context, body []byte) (any, error) {
	var p struct {
		Session   string         `json:"session"`
		Name      string         `json:"name"`
		Metadata  map[string]any `json:"metadata"`
		Overwrite bool           `json:"overwrite"`
	}
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if err := required("session", p.Session); err != nil {
		return nil, err
	}
	if err := required("name", p.Name); err != nil {
		return nil, err
	}
	return s.services.Browser.SaveSession(ctx, p.Session, p.Name, p.Metadata, p.Overwrite)
}

func sessionLoad(s *Server, ctx context.Context, body []byte) (any, error) {
	var p sessionParams
	if err := s.decodeSession(body, &p); err != nil {
		return nil, err
	}
	if err := required("request.profile_id", p.Request.ProfileID); err != nil {
		return nil, err
	}
	if _, err := s.services.Browser.LoadSession(ctx, p.Request.ProfileID, p.Session, p.Request); err != nil {
		return nil, err
	}
	return sessionState(s, p.Session), nil
}

func sessionClose(s *Server, _ context.Context, body []byte) (any, error) {
	var p struct {
		Session string `json:"session"`
	}
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if err := required("session", p.Session); err != nil {
		return nil, err
	}
	if err := s.services.Browser.CloseSession(p.Session); err != nil {
		return nil, err
	}
	return object{"closed": p.Session}, nil
}

func sessionList(s *Server, _ context.Context, _ []byte) (any, error) {
	return s.services.Browser.ActiveSessions(), nil
}

// sessionState reports the session and the proxy currently bound to it, if any
func sessionState(s *Server, session string) object {
	state := object{"session": session, "proxy": nil}
	if p, ok := s.services.Selector.Current(session); ok {
		state["proxy"] = p
	}
	return state
}

type object = map[string]any
