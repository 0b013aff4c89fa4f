package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"cfdi-reconciliation-service/internal/models"
	"cfdi-reconciliation-service/pkg/errors"
	"cfdi-reconciliation-service/pkg/logger"
)

// Completer sends one prompt to a language model and returns its raw reply
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// AIConfig configures the AI strategy
type AIConfig struct {
	// BatchSize is the number of transactions per prompt
	BatchSize int `json:"batch_size"`
	// MaxRetries is the number of attempts per batch
	MaxRetries int `json:"max_retries"`
	// RetryDelay is the pause between attempts
	RetryDelay time.Duration `json:"retry_delay"`
	// OwnRFC selects which invoice party is the counterparty
	OwnRFC string `json:"own_rfc"`
}

// DefaultAIConfig returns the standard AI strategy settings
func DefaultAIConfig() AIConfig {
	return AIConfig{
		BatchSize:  20,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

// AIStrategy lets a language model judge candidate pairs. The model only
// supplies similarity, a label and reasoning; differences are recomputed here
// and the label is re-derived from the shared confidence contract.
type AIStrategy struct {
	completer Completer
	config    AIConfig
	logger    logger.Logger
}

// NewAIStrategy creates the AI strategy
func NewAIStrategy(completer Completer, config AIConfig) *AIStrategy {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultAIConfig().BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	return &AIStrategy{
		completer: completer,
		config:    config,
		logger:    logger.GetGlobalLogger().WithComponent("ai_matcher"),
	}
}

// Name implements Strategy
func (s *AIStrategy) Name() string {
	return string(models.MethodAI)
}

const aiSystemPrompt = `You reconcile Mexican bank statement lines with CFDI invoices.
For each transaction, decide which of its candidate invoices (if any) it pays or collects.
Bank descriptions are abbreviated and carry processor noise such as "STRIPE *" or card network names.
Return ONLY a JSON object of the form:
{"matches":[{"transaction_id":"...","invoice_id":"...","similarity":0.0,"confidence":"high|medium|low","reasoning":"..."}]}
Use only ids that appear in the input. Omit transactions without a convincing candidate.`

type aiCandidate struct {
	InvoiceID string `json:"invoice_id"`
	UUID      string `json:"uuid,omitempty"`
	Name      string `json:"counterparty"`
	Total     string `json:"total"`
	Date      string `json:"date"`
}

type aiTransaction struct {
	TransactionID string        `json:"transaction_id"`
	Description   string        `json:"description"`
	Amount        string        `json:"amount"`
	Date          string        `json:"date"`
	Candidates    []aiCandidate `json:"candidates"`
}

type aiReply struct {
	Matches []aiVerdict `json:"matches"`
}

type aiVerdict struct {
	TransactionID string  `json:"transaction_id"`
	InvoiceID     string  `json:"invoice_id"`
	Similarity    float64 `json:"similarity"`
	Confidence    string  `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

// MatchBatch implements Strategy. Transactions without any invoice inside
// the amount and day limits are never sent to the model.
func (s *AIStrategy) MatchBatch(ctx context.Context, transactions []*models.Transaction, invoices []*models.Invoice, opts Options) ([]*models.Match, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "ai", opts, err)
	}

	txs := eligibleTransactions(transactions)
	invs := eligibleInvoices(invoices)

	txByID := make(map[string]*models.Transaction, len(txs))
	invByID := make(map[string]*models.Invoice, len(invs))
	for _, inv := range invs {
		invByID[inv.ID] = inv
	}

	var pending []aiTransaction
	for _, tx := range txs {
		entry := aiTransaction{
			TransactionID: tx.ID,
			Description:   descriptionOf(tx),
			Amount:        tx.Amount.StringFixed(2),
			Date:          tx.Date.Format("2006-01-02"),
		}
		for _, inv := range invs {
			if _, _, ok := opts.withinLimits(tx, inv); !ok {
				continue
			}
			entry.Candidates = append(entry.Candidates, aiCandidate{
				InvoiceID: inv.ID,
				UUID:      inv.UUID,
				Name:      inv.CounterpartyName(s.config.OwnRFC),
				Total:     inv.Total.StringFixed(2),
				Date:      inv.IssueDate.Format("2006-01-02"),
			})
		}
		if len(entry.Candidates) > 0 {
			txByID[tx.ID] = tx
			pending = append(pending, entry)
		}
	}

	// A failed batch stops the run; verdicts of the batches before it are
	// still assigned and returned with the error.
	var verdicts []aiVerdict
	var batchErr error
	for start := 0; start < len(pending); start += s.config.BatchSize {
		end := start + s.config.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		reply, err := s.completeWithRetry(ctx, batch)
		if err != nil {
			batchErr = err
			break
		}
		verdicts = append(verdicts, s.admissible(batch, reply)...)
	}

	matches := s.assign(verdicts, txByID, invByID, opts)
	log := s.logger.WithFields(logger.Fields{
		"transactions": len(pending),
		"verdicts":     len(verdicts),
		"matches":      len(matches),
	})
	if batchErr != nil {
		log.WithError(batchErr).Warn("AI matching stopped early")
		return matches, batchErr
	}
	log.Info("AI matching completed")
	return matches, nil
}

// completeWithRetry sends one batch, retrying failed calls and unparseable
// replies. Cancellation is checked between attempts.
func (s *AIStrategy) completeWithRetry(ctx context.Context, batch []aiTransaction) (*aiReply, error) {
	payload, err := json.MarshalIndent(map[string]interface{}{"transactions": batch}, "", "  ")
	if err != nil {
		return nil, errors.InternalError("marshal ai batch", err)
	}
	prompt := "Transactions and their candidate invoices:\n" + string(payload)

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.config.RetryDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := s.completer.Complete(ctx, aiSystemPrompt, prompt)
		if err != nil {
			lastErr = err
			s.logger.WithError(err).WithFields(logger.Fields{
				"attempt":     attempt,
				"max_retries": s.config.MaxRetries,
			}).Warn("AI request failed, retrying")
			continue
		}

		var reply aiReply
		if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &reply); err != nil {
			lastErr = fmt.Errorf("unparseable reply: %w", err)
			s.logger.WithFields(logger.Fields{
				"attempt": attempt,
				"error":   err.Error(),
			}).Warn("Failed to parse AI reply, retrying")
			continue
		}
		return &reply, nil
	}

	return nil, errors.ReconciliationError(errors.CodeStrategyFailed, s.Name(),
		fmt.Errorf("ai batch failed after %d attempts: %w", s.config.MaxRetries, lastErr))
}

// admissible keeps verdicts naming a transaction of the batch and one of
// that transaction's candidates. Anything else was invented by the model.
func (s *AIStrategy) admissible(batch []aiTransaction, reply *aiReply) []aiVerdict {
	allowed := make(map[string]map[string]bool, len(batch))
	for _, entry := range batch {
		set := make(map[string]bool, len(entry.Candidates))
		for _, c := range entry.Candidates {
			set[c.InvoiceID] = true
		}
		allowed[entry.TransactionID] = set
	}

	var out []aiVerdict
	for _, v := range reply.Matches {
		if !allowed[v.TransactionID][v.InvoiceID] {
			s.logger.WithFields(logger.Fields{
				"transaction_id": v.TransactionID,
				"invoice_id":     v.InvoiceID,
			}).Warn("Discarding AI verdict with unknown id")
			continue
		}
		out = append(out, v)
	}
	return out
}

// assign turns verdicts into proposals, best similarity first, keeping one
// proposal per transaction and per invoice
func (s *AIStrategy) assign(verdicts []aiVerdict, txByID map[string]*models.Transaction, invByID map[string]*models.Invoice, opts Options) []*models.Match {
	sort.SliceStable(verdicts, func(i, j int) bool {
		return verdicts[i].Similarity > verdicts[j].Similarity
	})

	usedTx := make(map[string]bool)
	usedInv := make(map[string]bool)
	var matches []*models.Match
	for _, v := range verdicts {
		if usedTx[v.TransactionID] || usedInv[v.InvoiceID] {
			continue
		}
		score := v.Similarity
		if score < opts.MinSimilarity || score > 1 {
			continue
		}
		tx, inv := txByID[v.TransactionID], invByID[v.InvoiceID]
		if _, _, ok := opts.withinLimits(tx, inv); !ok {
			continue
		}

		m := newProposal(tx, inv, models.MethodAI, score)
		m.Reasoning = strings.TrimSpace(v.Reasoning)
		if claimed := models.Confidence(strings.ToLower(v.Confidence)); claimed != "" && claimed != m.Confidence {
			m.AddReason(fmt.Sprintf("Model suggested %s confidence, derived %s", claimed, m.Confidence))
		}
		usedTx[v.TransactionID] = true
		usedInv[v.InvoiceID] = true
		matches = append(matches, m)
	}
	return rank(matches)
}

// cleanModelJSON strips Markdown fences a model may wrap around its JSON
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}
