package handlers

import (
	"context"
	"net/http"
	"runtime"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/crucible"

	"github.com/restql/restql/internal/appid"
)

// AppVersion is injected from main via SetVersionInfo
var (
	AppVersion   = "dev"
	AppCommit    = "unknown"
	AppBuildDate = "unknown"
	appIdentity  *appidentity.Identity
)

// SetVersionInfo sets the version information for the handler
func SetVersionInfo(version, commit, buildDate string) {
	AppVersion = version
	AppCommit = commit
	AppBuildDate = buildDate
}

// SetAppIdentity sets the app identity for the handler
func SetAppIdentity(identity *appidentity.Identity) {
	appIdentity = identity
}

// VersionResponse represents the version information response
type VersionResponse struct {
	App          AppInfo     `json:"app"`
	Dependencies DepInfo     `json:"dependencies"`
	Runtime      RuntimeInfo `json:"runtime"`
}

// AppInfo contains application version details
type AppInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

// DepInfo contains dependency version information
type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

// RuntimeInfo contains runtime environment information
type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// RootResponse is served at "/".
type RootResponse struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	GraphQL     string `json:"graphql,omitempty"`
	Playground  string `json:"playground,omitempty"`
}

// identity returns the identity set by serve, else the resolved defaults.
func identity() *appidentity.Identity {
	if appIdentity != nil {
		return appIdentity
	}
	return &appidentity.Identity{BinaryName: appid.Resolve(context.Background()).BinaryName}
}

// VersionHandler handles version information requests
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	version := crucible.GetVersion()

	writeJSON(w, VersionResponse{
		App: AppInfo{
			Name:      identity().BinaryName,
			Version:   AppVersion,
			Commit:    AppCommit,
			BuildDate: AppBuildDate,
			GoVersion: runtime.Version(),
		},
		Dependencies: DepInfo{
			Gofulmen: version.Gofulmen,
			Crucible: version.Crucible,
		},
		Runtime: RuntimeInfo{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	})
}

// RootHandler describes the gateway and where its GraphQL endpoints live.
// Empty paths are omitted.
func RootHandler(graphqlPath, playgroundPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identity()
		writeJSON(w, RootResponse{
			Name:        id.BinaryName,
			Version:     AppVersion,
			Description: id.Description,
			GraphQL:     graphqlPath,
			Playground:  playgroundPath,
		})
	}
}
