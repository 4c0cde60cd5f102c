package permissions

import (
	"time"

	"notebot/internal/storage"
)

// Tools that read the notebook's own sources.
var SourceTools = []string{"listSources", "readSource", "searchSources"}

// Tools that reach into the user's browser.
var BrowserTools = []string{"listTabs", "readPageContent", "searchBookmarks", "searchHistory"}

// DefaultConfig is what GetConfig returns before anything was persisted.
func DefaultConfig() storage.ToolPermissionsConfig {
	perms := make(map[string]storage.ToolPermission, len(SourceTools)+len(BrowserTools))
	for _, name := range SourceTools {
		perms[name] = storage.ToolPermission{ToolName: name, Visible: true, RequiresApproval: false, AutoApproved: true}
	}
	for _, name := range BrowserTools {
		perms[name] = storage.ToolPermission{ToolName: name, Visible: true, RequiresApproval: true, AutoApproved: false}
	}
	return storage.ToolPermissionsConfig{Permissions: perms, LastModified: time.Time{}}
}

func baseline(name string) storage.ToolPermission {
	return storage.ToolPermission{ToolName: name, Visible: true, RequiresApproval: true, AutoApproved: false}
}
