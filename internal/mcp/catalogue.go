package mcp

import "conductor/internal/llm"

// Tool names exposed by the bridge.
const (
	ToolReadFile        = "editor_read_file"
	ToolBrowseDirectory = "editor_browse_directory"
	ToolGetTree         = "editor_get_tree"
	ToolSearchFiles     = "editor_search_files"
	ToolCreateChange    = "editor_create_change"
	ToolGetChanges      = "editor_get_changes"
	ToolApproveChange   = "editor_approve_change"
	ToolRejectChange    = "editor_reject_change"
	ToolRollbackChange  = "editor_rollback_change"
	ToolCreateDirectory = "editor_create_directory"
	ToolMoveFile        = "editor_move_file"
	ToolDeleteFile      = "editor_delete_file"
)

var (
	workflowProp = llm.Property{Type: "string", Description: "Workflow whose working tree to operate on"}
	wsPathProp   = llm.Property{Type: "string", Description: "Isolated workspace path; omit to use the workflow's shared clone"}
	pathProp     = llm.Property{Type: "string", Description: "Path relative to the workspace root"}
)

func schema(required []string, extra map[string]llm.Property) llm.ParameterSchema {
	props := map[string]llm.Property{
		"workflow_id":    workflowProp,
		"workspace_path": wsPathProp,
	}
	for k, v := range extra {
		props[k] = v
	}
	return llm.ParameterSchema{Type: "object", Properties: props, Required: required}
}

// Catalogue returns the tool definitions the bridge serves, in the shape the
// model client advertises to providers.
func Catalogue() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        ToolReadFile,
			Description: "Read a file from the workspace. Binary files return metadata only.",
			Parameters: schema([]string{"workflow_id", "file_path"}, map[string]llm.Property{
				"file_path": pathProp,
			}),
		},
		{
			Name:        ToolBrowseDirectory,
			Description: "List one directory level, directories first.",
			Parameters: schema([]string{"workflow_id"}, map[string]llm.Property{
				"path":           pathProp,
				"include_hidden": {Type: "boolean", Description: "Include dotfiles"},
			}),
		},
		{
			Name:        ToolGetTree,
			Description: "Recursive directory listing, bounded by depth and node count.",
			Parameters: schema([]string{"workflow_id"}, map[string]llm.Property{
				"max_depth": {Type: "integer", Description: "Maximum recursion depth"},
			}),
		},
		{
			Name:        ToolSearchFiles,
			Description: "Substring search across workspace text files.",
			Parameters: schema([]string{"workflow_id", "query"}, map[string]llm.Property{
				"query":          {Type: "string", Description: "Substring to find"},
				"path":           {Type: "string", Description: "Subdirectory to search under"},
				"case_sensitive": {Type: "boolean"},
			}),
		},
		{
			Name:        ToolCreateChange,
			Description: "Apply a file mutation and record it as a pending change for review. Operations: create, update, delete, move.",
			Parameters: schema([]string{"workflow_id", "file_path", "operation"}, map[string]llm.Property{
				"file_path":     pathProp,
				"operation":     {Type: "string", Description: "create, update, delete or move"},
				"new_content":   {Type: "string", Description: "Full file content for create/update"},
				"old_path":      {Type: "string", Description: "Source path for move"},
				"generate_diff": {Type: "boolean", Description: "Attach a unified diff to the change record"},
			}),
		},
		{
			Name:        ToolGetChanges,
			Description: "List recorded changes in chronological order, optionally filtered by status.",
			Parameters: schema([]string{"workflow_id"}, map[string]llm.Property{
				"status": {Type: "string", Description: "pending, approved or rejected"},
			}),
		},
		{
			Name:        ToolApproveChange,
			Description: "Approve a pending change. The mutation is already applied; this records acceptance.",
			Parameters: schema([]string{"workflow_id", "change_id"}, map[string]llm.Property{
				"change_id": {Type: "string"},
			}),
		},
		{
			Name:        ToolRejectChange,
			Description: "Reject a pending change and revert its mutation from the stored snapshot.",
			Parameters: schema([]string{"workflow_id", "change_id"}, map[string]llm.Property{
				"change_id": {Type: "string"},
			}),
		},
		{
			Name:        ToolRollbackChange,
			Description: "Revert an approved change within the rollback window via a compensating change.",
			Parameters: schema([]string{"workflow_id", "change_id"}, map[string]llm.Property{
				"change_id": {Type: "string"},
			}),
		},
		{
			Name:        ToolCreateDirectory,
			Description: "Create a directory, recorded as a pending change.",
			Parameters: schema([]string{"workflow_id", "path"}, map[string]llm.Property{
				"path": pathProp,
			}),
		},
		{
			Name:        ToolMoveFile,
			Description: "Move or rename a file, recorded as a pending change.",
			Parameters: schema([]string{"workflow_id", "old_path", "new_path"}, map[string]llm.Property{
				"old_path": {Type: "string", Description: "Current path"},
				"new_path": {Type: "string", Description: "Destination path"},
			}),
		},
		{
			Name:        ToolDeleteFile,
			Description: "Delete a file, recorded as a pending change.",
			Parameters: schema([]string{"workflow_id", "path"}, map[string]llm.Property{
				"path": pathProp,
			}),
		},
	}
}
