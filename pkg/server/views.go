package server

import (
	"time"

	"github.com/thepwagner/appcenter/pkg/app"
)

type appView struct {
	UniqueID      string   `json:"unique_id"`
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	State         string   `json:"state"`
	Scope         string   `json:"scope"`
	Installation  string   `json:"installation,omitempty"`
	Origin        string   `json:"origin,omitempty"`
	OriginUI      string   `json:"origin_ui,omitempty"`
	Branch        string   `json:"branch,omitempty"`
	Name          string   `json:"name,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	Version       string   `json:"version,omitempty"`
	UpdateVersion string   `json:"update_version,omitempty"`
	Homepage      string   `json:"homepage,omitempty"`
	SizeDownload  *uint64  `json:"size_download,omitempty"`
	SizeInstalled *uint64  `json:"size_installed,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	Runtime       string   `json:"runtime,omitempty"`
	Addons        []string `json:"addons,omitempty"`
}

func newAppView(a *app.App) appView {
	v := appView{
		UniqueID:      a.UniqueID(),
		ID:            a.ID(),
		Kind:          a.Kind().String(),
		State:         a.State().String(),
		Scope:         a.Scope().String(),
		Installation:  a.Installation(),
		Origin:        a.Origin(),
		OriginUI:      a.OriginUI(),
		Branch:        a.Branch(),
		Name:          a.Name(),
		Summary:       a.Summary(),
		Version:       a.Version(),
		UpdateVersion: a.UpdateVersion(),
		Homepage:      a.Homepage(),
		SizeDownload:  sizeBytes(a.SizeDownload()),
		SizeInstalled: sizeBytes(a.SizeInstalled()),
		Permissions:   a.Permissions().Names(),
	}
	if rt := a.Runtime(); rt != nil {
		v.Runtime = rt.UniqueID()
	}
	for _, addon := range a.Addons() {
		v.Addons = append(v.Addons, addon.UniqueID())
	}
	return v
}

func appViews(apps []*app.App) []appView {
	out := make([]appView, 0, len(apps))
	for _, a := range apps {
		out = append(out, newAppView(a))
	}
	return out
}

func sizeBytes(s app.Size) *uint64 {
	if !s.Valid() {
		return nil
	}
	return &s.Bytes
}

type eventView struct {
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"`
	App      string    `json:"app,omitempty"`
	Error    string    `json:"error,omitempty"`
}
