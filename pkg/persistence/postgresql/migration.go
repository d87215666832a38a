package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create workflows table
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				graph JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- Create executions table
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
				estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
				actual_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
				parent_execution_id VARCHAR(255),
				parent_node_id VARCHAR(255),
				depth INT NOT NULL DEFAULT 0,
				debug BOOLEAN NOT NULL DEFAULT false,
				error_message TEXT,
				resume_count INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_workflow_id ON executions(workflow_id);
			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_created_at ON executions(created_at);

			-- Node results are keyed per node so concurrent workers never overwrite each other
			CREATE TABLE execution_node_results (
				execution_id VARCHAR(255) NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				seq BIGSERIAL,
				status VARCHAR(50) NOT NULL,
				output JSONB,
				error TEXT,
				cost DOUBLE PRECISION NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				PRIMARY KEY (execution_id, node_id)
			);

			CREATE TABLE execution_pending_nodes (
				execution_id VARCHAR(255) NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				seq BIGSERIAL,
				node_type VARCHAR(255) NOT NULL,
				node_data JSONB,
				depends_on JSONB NOT NULL DEFAULT '[]',
				PRIMARY KEY (execution_id, node_id)
			);
		`,
		2: `
			-- Create queue_jobs table
			CREATE TABLE queue_jobs (
				id VARCHAR(255) PRIMARY KEY,
				queue_job_id VARCHAR(255) NOT NULL,
				queue_name VARCHAR(100) NOT NULL,
				execution_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'active', 'completed', 'failed', 'recovered')),
				priority INT NOT NULL DEFAULT 3,
				payload JSONB NOT NULL DEFAULT '{}',
				logs JSONB NOT NULL DEFAULT '[]',
				last_heartbeat TIMESTAMP WITH TIME ZONE,
				recovery_count INT NOT NULL DEFAULT 0,
				moved_to_dlq BOOLEAN NOT NULL DEFAULT false,
				failed_reason TEXT,
				prediction_id VARCHAR(255),
				result JSONB,
				error TEXT,
				attempts_made INT NOT NULL DEFAULT 0,
				recovered_from VARCHAR(255),
				processed_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_queue_jobs_execution_node ON queue_jobs(execution_id, node_id, created_at);
			CREATE INDEX idx_queue_jobs_prediction_id ON queue_jobs(prediction_id);
			CREATE INDEX idx_queue_jobs_stalled ON queue_jobs(moved_to_dlq, status, updated_at);
		`,
	}
}
