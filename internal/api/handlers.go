package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/Coo/internal/messaging"
	"github.com/BTreeMap/Coo/internal/models"
	"github.com/BTreeMap/Coo/internal/rag"
	"github.com/BTreeMap/Coo/internal/twiliosms"
	"github.com/google/uuid"
)

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if s.validator != nil {
		if err := s.validator.Validate(r); err != nil {
			slog.Warn("Server.webhookHandler: signature rejected", "error", err, "remote", r.RemoteAddr)
			writeTwiML(w, http.StatusForbidden, twiliosms.EmptyTwiML)
			return
		}
	}
	msg, err := twiliosms.ParseWebhook(r)
	if err != nil {
		slog.Warn("Server.webhookHandler: bad webhook", "error", err)
		writeTwiML(w, http.StatusBadRequest, twiliosms.EmptyTwiML)
		return
	}
	msg.Channel = string(messaging.ChannelSMS)

	// The reply is sent through the transport, so a dropped webhook connection
	// must not abort generation half way.
	ctx := context.WithoutCancel(r.Context())
	result, err := s.inbound.HandleInboundMessage(ctx, msg)
	if err != nil {
		slog.Error("Server.webhookHandler: message handling failed", "error", err, "from", msg.From, "sid", msg.ExternalID)
		writeTwiML(w, http.StatusInternalServerError, twiliosms.EmptyTwiML)
		return
	}
	slog.Debug("Server.webhookHandler: handled", "from", msg.From, "status", result.Status)
	writeTwiML(w, http.StatusOK, twiliosms.EmptyTwiML)
}

type searchRequest struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results"`
	Category string `json:"category,omitempty"`
}

type searchResult struct {
	Content   string  `json:"content"`
	Category  string  `json:"category"`
	Relevance float64 `json:"relevance"`
	SourceID  string  `json:"source_id,omitempty"`
}

type searchResponse struct {
	Query   string         `json:"query"`
	Results []searchResult `json:"results"`
	Count   int            `json:"count"`
}

func (s *Server) ragSearchHandler(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if r.Method == http.MethodPost {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.ragSearchHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
	} else {
		q := r.URL.Query()
		req.Query = q.Get("q")
		req.Category = q.Get("category")
		if n := q.Get("n"); n != "" {
			v, err := strconv.Atoi(n)
			if err != nil {
				writeJSONResponse(w, http.StatusBadRequest, models.Error("n must be an integer"))
				return
			}
			req.NResults = v
		}
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: query"))
		return
	}
	n, err := clampResults(req.NResults, maxSearchResults)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	var category models.Category
	if req.Category != "" {
		if category, err = models.ParseCategory(req.Category); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}

	hits, err := s.composer.Search(r.Context(), req.Query, n, category)
	if err != nil {
		slog.Error("Server.ragSearchHandler: search failed", "error", err)
		writeJSONResponse(w, statusForError(err), models.Error("Knowledge search failed"))
		return
	}
	resp := searchResponse{Query: req.Query, Results: make([]searchResult, 0, len(hits)), Count: len(hits)}
	for _, h := range hits {
		resp.Results = append(resp.Results, searchResult{
			Content:   h.Content,
			Category:  string(h.Category),
			Relevance: h.Relevance,
			SourceID:  h.SourceID,
		})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}

func (s *Server) ragCategoriesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"categories": models.AllCategories,
		"count":      len(models.AllCategories),
	}))
}

func (s *Server) ragInfoHandler(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Knowledge index not configured"))
		return
	}
	n, err := s.index.Count(r.Context())
	if err != nil {
		slog.Error("Server.ragInfoHandler: count failed", "error", err)
		writeJSONResponse(w, statusForError(err), models.Error("Failed to read knowledge index"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"total_documents": n,
		"status":          "active",
	}))
}

func (s *Server) ragContextHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	question := strings.TrimSpace(q.Get("question"))
	if question == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: question"))
		return
	}
	requested := 0
	if v := q.Get("n_results"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("n_results must be an integer"))
			return
		}
		requested = parsed
	}
	n, err := clampResults(requested, maxContextResults)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	hits, err := s.composer.Search(r.Context(), question, n, "")
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.Error("Knowledge search failed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"question": question,
		"context":  rag.Render(hits),
	}))
}

type chunkRequest struct {
	Content  string `json:"content"`
	Category string `json:"category"`
	Source   string `json:"source,omitempty"`
}

func (s *Server) addChunkHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if s.index == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Knowledge index not configured"))
		return
	}
	var req chunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	category, err := models.ParseCategory(req.Category)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	chunk, err := s.index.AddChunk(r.Context(), models.KnowledgeChunk{
		Content:  req.Content,
		Category: category,
		Source:   req.Source,
	})
	if err != nil {
		slog.Warn("Server.addChunkHandler: AddChunk failed", "error", err)
		writeJSONResponse(w, statusForError(err), models.Error(err.Error()))
		return
	}
	slog.Info("Server.addChunkHandler: chunk added", "id", chunk.ID, "category", chunk.Category)
	writeJSONResponse(w, http.StatusCreated, models.Success(chunk))
}

type accountRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Tier  string `json:"tier,omitempty"`
	Phone string `json:"phone,omitempty"`
}

func (s *Server) createAccountHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	tier, err := parseTier(req.Tier)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	account := models.Account{ID: strings.TrimSpace(req.ID), Name: strings.TrimSpace(req.Name), Tier: tier, CreatedAt: time.Now()}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}

	var phone string
	if req.Phone != "" {
		if phone, err = messaging.CanonicalizePhone(req.Phone); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}

	if err := s.dir.CreateAccount(r.Context(), account); err != nil {
		slog.Error("Server.createAccountHandler: CreateAccount failed", "error", err, "accountID", account.ID)
		writeJSONResponse(w, statusForError(err), models.Error("Failed to create account"))
		return
	}
	if phone != "" {
		if err := s.dir.LinkPhone(r.Context(), account.ID, phone); err != nil {
			slog.Error("Server.createAccountHandler: LinkPhone failed", "error", err, "accountID", account.ID)
			writeJSONResponse(w, statusForError(err), models.Error("Failed to link phone"))
			return
		}
	}
	slog.Info("Server.createAccountHandler: account created", "accountID", account.ID, "tier", account.Tier)
	writeJSONResponse(w, http.StatusCreated, models.Success(account))
}

func (s *Server) linkPhoneHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	accountID := r.PathValue("id")
	var req struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, err := messaging.CanonicalizePhone(req.Phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	account, err := s.dir.GetAccount(r.Context(), accountID)
	if err != nil {
		writeJSONResponse(w, statusForError(err), models.Error("Failed to load account"))
		return
	}
	if account == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Account not found"))
		return
	}
	if err := s.dir.LinkPhone(r.Context(), accountID, phone); err != nil {
		slog.Error("Server.linkPhoneHandler: LinkPhone failed", "error", err, "accountID", accountID)
		writeJSONResponse(w, statusForError(err), models.Error("Failed to link phone"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Phone linked", map[string]string{
		"account_id": accountID,
		"phone":      phone,
	}))
}

type entityView struct {
	models.TrackedEntity
	AgeMonths *int   `json:"age_months,omitempty"`
	Age       string `json:"age,omitempty"`
}

func (s *Server) listEntitiesHandler(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	entities, err := s.dir.ListTrackedEntities(r.Context(), accountID)
	if err != nil {
		slog.Error("Server.listEntitiesHandler: ListTrackedEntities failed", "error", err, "accountID", accountID)
		writeJSONResponse(w, statusForError(err), models.Error("Failed to list entities"))
		return
	}
	now := time.Now()
	views := make([]entityView, 0, len(entities))
	for _, e := range entities {
		v := entityView{TrackedEntity: e, AgeMonths: e.AgeMonths(now)}
		if v.AgeMonths != nil {
			v.Age = models.AgeDetail(*v.AgeMonths)
		}
		views = append(views, v)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

func (s *Server) clearConversationHandler(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("account")
	phone, err := messaging.CanonicalizePhone(r.PathValue("phone"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.conv.ClearAll(r.Context(), accountID, phone); err != nil {
		slog.Error("Server.clearConversationHandler: ClearAll failed", "error", err, "accountID", accountID)
		writeJSONResponse(w, statusForError(err), models.Error("Failed to clear conversation"))
		return
	}
	slog.Info("Server.clearConversationHandler: conversation cleared", "accountID", accountID, "phone", phone)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation cleared", nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "coo"}))
}

func clampResults(n, max int) (int, error) {
	switch {
	case n == 0:
		return 5, nil
	case n < 0:
		return 0, errors.New("number of results must be positive")
	case n > max:
		return 0, fmt.Errorf("number of results must be at most %d", max)
	}
	return n, nil
}

func parseTier(s string) (models.Tier, error) {
	switch models.Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case "", models.TierFree:
		return models.TierFree, nil
	case models.TierFamily:
		return models.TierFamily, nil
	case models.TierPremium:
		return models.TierPremium, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}
