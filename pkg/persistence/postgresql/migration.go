package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Flow containers. Graph data lives in flow_versions.
			CREATE TABLE flows (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				canvas_type VARCHAR(50),
				parent_id UUID,
				current_version_id UUID,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flows_parent_id ON flows(parent_id);
			CREATE INDEX idx_flows_created_at ON flows(created_at);
			CREATE INDEX idx_flows_deleted_at ON flows(deleted_at);

			-- Immutable version rows. Never updated, never deleted.
			CREATE TABLE flow_versions (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL REFERENCES flows(id),
				visual_graph JSONB NOT NULL,
				execution_graph JSONB NOT NULL,
				commit_message TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_versions_flow_id ON flow_versions(flow_id);
			CREATE INDEX idx_flow_versions_created_at ON flow_versions(created_at);

			-- Run rows pin the exact version they executed.
			CREATE TABLE runs (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL REFERENCES flows(id),
				flow_version_id UUID NOT NULL REFERENCES flow_versions(id),
				entity_id VARCHAR(255),
				trigger_source VARCHAR(255),
				trigger_data JSONB,
				node_states JSONB NOT NULL DEFAULT '{}',
				instance_keys JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_runs_flow_id ON runs(flow_id);
			CREATE INDEX idx_runs_flow_version_id ON runs(flow_version_id);
			CREATE INDEX idx_runs_created_at ON runs(created_at);
		`,
	}
}
