package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    lane TEXT NOT NULL DEFAULT 'default',
    status TEXT NOT NULL DEFAULT 'pending',
    goal TEXT NOT NULL,
    dependencies TEXT NOT NULL DEFAULT '[]',
    priority INTEGER NOT NULL DEFAULT 50,
    execution_class TEXT NOT NULL DEFAULT 'parallel_safe',
    worker_id TEXT NOT NULL DEFAULT '',
    lease_id TEXT NOT NULL DEFAULT '',
    lease_expires_at TIMESTAMP,
    heartbeat_at TIMESTAMP,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    blocker_msg TEXT NOT NULL DEFAULT '',
    manager_feedback TEXT NOT NULL DEFAULT '',
    worker_output TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_lane_status ON tasks(lane, status);
CREATE INDEX IF NOT EXISTS idx_tasks_lease_expiry ON tasks(status, lease_expires_at)
    WHERE status = 'in_progress';
CREATE INDEX IF NOT EXISTS idx_tasks_review ON tasks(status)
    WHERE status = 'review_needed';

CREATE TABLE IF NOT EXISTS task_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id INTEGER NOT NULL REFERENCES tasks(id),
    role TEXT NOT NULL,
    msg_type TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_task_messages_task ON task_messages(task_id);

CREATE TABLE IF NOT EXISTS decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id INTEGER REFERENCES tasks(id),
    priority TEXT NOT NULL DEFAULT 'yellow',
    question TEXT NOT NULL,
    context TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    answer TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);

CREATE TABLE IF NOT EXISTS plans (
    signature TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    task_count INTEGER NOT NULL,
    accepted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS workers (
    id TEXT PRIMARY KEY,
    worker_type TEXT NOT NULL DEFAULT '',
    allowed_lanes TEXT NOT NULL DEFAULT '[]',
    last_seen TIMESTAMP
);
`
