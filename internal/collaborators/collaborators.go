/*
 * Copyright © 2026 StockIt, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on
 * an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the License for the
 * specific language governing permissions and limitations under the License.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package collaborators declares the outbound capability interfaces
// for external services this core depends on but does not own (AI
// parsing, Shopify, image search) plus resty-backed HTTP
// implementations for those three network calls. The
// orchestrator depends only on these interfaces, never on a concrete
// HTTP client, the same way an RPC boundary is kept behind an
// injectable client interface.
package collaborators

import (
	"context"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// ParseResult is the AI parser's output for one document.
type ParseResult struct {
	ExtractedData map[string]interface{} `json:"extractedData"`
	Confidence    float64                 `json:"confidence"`
}

// AIParser extracts structured data from an uploaded document. May be
// slow; callers must align its timeout with the queue's stall timeout
// for ai_parsing/ai_enrichment.
type AIParser interface {
	Parse(ctx context.Context, buffer []byte, mimeType string, aiSettings map[string]interface{}) (ParseResult, error)
}

// ProductDraft is the Shopify-bound payload produced by shopify_payload.
type ProductDraft struct {
	Title       string                   `json:"title"`
	Vendor      string                   `json:"vendor"`
	Variants    []map[string]interface{} `json:"variants"`
	ImageURLs   []string                 `json:"imageUrls,omitempty"`
	Metafields  map[string]interface{}   `json:"metafields,omitempty"`
}

// SyncResult is what Shopify hands back for a synced draft.
type SyncResult struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
}

// ShopifyClient syncs a product draft to the merchant's store. Network,
// rate-limited; handled as its own stage with its own retry budget.
type ShopifyClient interface {
	SyncProductDraft(ctx context.Context, shopDomain string, draft ProductDraft) (SyncResult, error)
}

// ImageSearcher finds candidate product images. Background, best-effort.
type ImageSearcher interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// ProgressPublisher is the fire-and-forget sink contract for
// progress/stage/completion/error events; internal/progressbus.Bus
// satisfies it, and the orchestrator holds a *progressbus.Bus directly.
type ProgressPublisher interface {
	Progress(ctx context.Context, merchantID, workflowID string, percent int)
	Stage(ctx context.Context, merchantID, workflowID, stage string)
	Completion(ctx context.Context, merchantID, workflowID string, data interface{})
	Error(ctx context.Context, merchantID, workflowID, stage, message string)
}

// RestyAIParser calls an external AI parsing service over HTTP.
type RestyAIParser struct {
	client  *resty.Client
	baseURL string
}

func NewRestyAIParser(baseURL string, timeout time.Duration) *RestyAIParser {
	return &RestyAIParser{client: resty.New().SetTimeout(timeout), baseURL: baseURL}
}

func (p *RestyAIParser) Parse(ctx context.Context, buffer []byte, mimeType string, aiSettings map[string]interface{}) (ParseResult, error) {
	var result ParseResult
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", mimeType).
		SetBody(buffer).
		SetResult(&result).
		Post(p.baseURL + "/parse")
	if err != nil {
		return ParseResult{}, err
	}
	if resp.IsError() {
		return ParseResult{}, &httpError{status: resp.StatusCode(), body: resp.String()}
	}
	return result, nil
}

// RestyShopifyClient calls the merchant's Shopify store through a
// gateway service over HTTP.
type RestyShopifyClient struct {
	client  *resty.Client
	baseURL string
}

func NewRestyShopifyClient(baseURL string, timeout time.Duration) *RestyShopifyClient {
	return &RestyShopifyClient{client: resty.New().SetTimeout(timeout), baseURL: baseURL}
}

func (c *RestyShopifyClient) SyncProductDraft(ctx context.Context, shopDomain string, draft ProductDraft) (SyncResult, error) {
	var result SyncResult
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("X-Shop-Domain", shopDomain).
		SetBody(draft).
		SetResult(&result).
		Post(c.baseURL + "/products")
	if err != nil {
		return SyncResult{}, err
	}
	if resp.IsError() {
		return SyncResult{}, &httpError{status: resp.StatusCode(), body: resp.String()}
	}
	return result, nil
}

// RestyImageSearcher calls an external image search service over HTTP.
type RestyImageSearcher struct {
	client  *resty.Client
	baseURL string
}

func NewRestyImageSearcher(baseURL string, timeout time.Duration) *RestyImageSearcher {
	return &RestyImageSearcher{client: resty.New().SetTimeout(timeout), baseURL: baseURL}
}

func (s *RestyImageSearcher) Search(ctx context.Context, query string) ([]string, error) {
	var urls []string
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetResult(&urls).
		Get(s.baseURL + "/search")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &httpError{status: resp.StatusCode(), body: resp.String()}
	}
	return urls, nil
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return "collaborator returned HTTP " + strconv.Itoa(e.status) + ": " + e.body
}
