// Package storage persists canonical transactions, invoices and accepted
// matches in SQLite.
//
// The UNIQUE constraints on matches back the ledger rules: a transaction and
// an invoice each take part in at most one accepted match.
package storage

// Schema defines the SQL statements to create database tables.
const Schema = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL DEFAULT '',
    date TEXT NOT NULL,                -- RFC 3339
    day TEXT NOT NULL,                 -- YYYY-MM-DD in the statement's zone
    raw_description TEXT NOT NULL,
    description TEXT NOT NULL,
    amount TEXT NOT NULL,              -- signed decimal
    balance TEXT,
    reference TEXT NOT NULL DEFAULT '',
    currency TEXT NOT NULL DEFAULT '',
    source_line INTEGER NOT NULL DEFAULT 0,
    is_opening_balance INTEGER NOT NULL DEFAULT 0,
    match_id TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transactions_day ON transactions(day);

CREATE TABLE IF NOT EXISTS invoices (
    id TEXT PRIMARY KEY,
    uuid TEXT NOT NULL UNIQUE,
    issuer_rfc TEXT NOT NULL,
    issuer_name TEXT NOT NULL DEFAULT '',
    receiver_rfc TEXT NOT NULL,
    receiver_name TEXT NOT NULL DEFAULT '',
    total TEXT NOT NULL,
    currency TEXT NOT NULL DEFAULT '',
    issue_date TEXT NOT NULL,          -- RFC 3339
    day TEXT NOT NULL,                 -- YYYY-MM-DD in the issuer's zone
    status TEXT NOT NULL,              -- vigente | cancelado | unknown
    tipo_comprobante TEXT NOT NULL DEFAULT '',
    payment_method TEXT NOT NULL DEFAULT '',
    cancelled_at TEXT,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_invoices_day ON invoices(day);

CREATE TABLE IF NOT EXISTS matches (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
    invoice_id TEXT NOT NULL UNIQUE REFERENCES invoices(id),
    method TEXT NOT NULL,
    tier TEXT NOT NULL DEFAULT '',
    score REAL NOT NULL,
    confidence TEXT NOT NULL,
    amount_diff TEXT NOT NULL,
    days_diff INTEGER NOT NULL,
    needs_review INTEGER NOT NULL,
    reasons TEXT NOT NULL DEFAULT '[]', -- JSON array
    reasoning TEXT NOT NULL DEFAULT '',
    accepted_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
