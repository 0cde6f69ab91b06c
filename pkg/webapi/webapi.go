package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	gate "github.com/xmrgate/xmrgate/pkg"
	"github.com/xmrgate/xmrgate/pkg/conductor"
)

// WebAPI implements conductor.Service
type WebAPI struct {
	api    gate.API
	config gate.Config
}

// interface guard ensures WebAPI implements conductor.Service
var _ conductor.Service = WebAPI{}

func NewWebAPI(config gate.Config, api gate.API) (WebAPI, error) {
	if (config.WebAPI.TLSCert == "") != (config.WebAPI.TLSKey == "") {
		return WebAPI{}, gate.NewErr(gate.BadRequest, "webapi: tls_cert and tls_key must be set together")
	}
	return WebAPI{api: api, config: config}, nil
}

func (t WebAPI) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		adminMux, pubMux := t.createRouters()

		// Start the admin server
		adminServer := &http.Server{Addr: t.config.WebAPI.AdminBind + ":" + t.config.WebAPI.AdminPort, Handler: adminMux}
		log.Printf("Admin API listening on %s:%s\n", t.config.WebAPI.AdminBind, t.config.WebAPI.AdminPort)
		go t.serve(adminServer, "admin")

		// Start the public server
		pubServer := &http.Server{Addr: t.config.WebAPI.PubBind + ":" + t.config.WebAPI.PubPort, Handler: pubMux}
		log.Printf("Public API listening on %s:%s\n", t.config.WebAPI.PubBind, t.config.WebAPI.PubPort)
		go t.serve(pubServer, "public")

		started <- true
		ctx := <-stop
		adminServer.Shutdown(ctx)
		pubServer.Shutdown(ctx)
		stopped <- true
	}()
	return nil
}

func (t WebAPI) serve(server *http.Server, name string) {
	var err error
	if t.config.WebAPI.TLSCert != "" {
		err = server.ListenAndServeTLS(t.config.WebAPI.TLSCert, t.config.WebAPI.TLSKey)
	} else {
		err = server.ListenAndServe()
	}
	if err != http.ErrServerClosed {
		log.Fatalf("HTTP server %s ListenAndServe: %v", name, err)
	}
}

func (t WebAPI) createRouters() (adminMux *httprouter.Router, pubMux *httprouter.Router) {
	adminMux = httprouter.New() // Admin APIs
	pubMux = httprouter.New()   // Public APIs

	auth := bearerAuth(t.config.WebAPI.Token)

	// Admin APIs

	// POST { amount, confirmations?, expiration_blocks?, description? } /invoice -> { invoice }
	adminMux.POST("/invoice", auth(t.createInvoice))

	// GET /invoice/:index -> { invoice } full record, including transfers
	adminMux.GET("/invoice/:index", auth(t.getInvoiceAdmin))

	// DELETE /invoice/:index -> stop watching an invoice
	adminMux.DELETE("/invoice/:index", auth(t.removeInvoice))

	// GET /invoices ? cursor, limit -> { items: [...], cursor }
	adminMux.GET("/invoices", auth(t.listInvoices))

	// GET /invoices/:id -> { invoice } by ID, even after its index was reused
	adminMux.GET("/invoices/:id", auth(t.getInvoiceByID))

	adminMux.POST("/admin/setsyncheight/:blockheight", auth(t.setSyncHeight))

	adminMux.GET("/admin/status", auth(t.getStatus))

	// External APIs

	// GET /invoice/:index -> { invoice } public view (no transfers)
	pubMux.GET("/invoice/:index", t.getInvoice)

	pubMux.GET("/invoice/:index/qr.png", t.getInvoiceQR)

	// GET /invoice/:index/ws -> websocket, one public invoice per message
	pubMux.GET("/invoice/:index/ws", t.invoiceSocket)

	return
}

// SetSyncHeight makes the scanner rescan from the given height. Transfers
// at or above it are dropped from active invoices and found again.
// This is also how a scanner halted by a chain discontinuity resumes.
//
// WARNING: while the rescan runs, new payments are only seen once the
// scanner has caught up with the tip again.
func (t WebAPI) setSyncHeight(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	n, err := strconv.ParseUint(p.ByName("blockheight"), 10, 64)
	if err != nil {
		sendBadRequest(w, "blockheight invalid, must convert to uint64")
		return
	}

	err = t.api.SetSyncHeight(n)
	if err != nil {
		sendError(w, "SetSyncHeight", err)
		return
	}
	sendResponse(w, "Set sync height")
}

func (t WebAPI) getStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	sendResponse(w, t.api.Status())
}

// createInvoice allocates a subaddress and returns the new Invoice.
func (t WebAPI) createInvoice(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var o gate.InvoiceCreateRequest
	err := json.NewDecoder(r.Body).Decode(&o)
	if err != nil {
		sendBadRequest(w, fmt.Sprintf("bad request body (expecting JSON): %v", err))
		return
	}
	invoice, err := t.api.CreateInvoice(o)
	if err != nil {
		sendError(w, "CreateInvoice", err)
		return
	}
	sendResponse(w, invoice)
}

func (t WebAPI) getInvoiceAdmin(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	idx, ok := indexParam(w, p)
	if !ok {
		return
	}
	invoice, err := t.api.GetInvoice(idx)
	if err != nil {
		sendError(w, "GetInvoice", err)
		return
	}
	sendResponse(w, invoice)
}

func (t WebAPI) getInvoiceByID(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	invoice, err := t.api.GetInvoiceByID(p.ByName("id"))
	if err != nil {
		sendError(w, "GetInvoiceByID", err)
		return
	}
	sendResponse(w, invoice)
}

func (t WebAPI) removeInvoice(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	idx, ok := indexParam(w, p)
	if !ok {
		return
	}
	err := t.api.RemoveInvoice(idx)
	if err != nil {
		sendError(w, "RemoveInvoice", err)
		return
	}
	sendResponse(w, "Removed invoice")
}

func (t WebAPI) getInvoiceQR(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	idx, ok := indexParam(w, p)
	if !ok {
		return
	}
	invoice, err := t.api.GetInvoice(idx)
	if err != nil {
		sendErrorResponse(w, 404, gate.NotFound, "no such invoice")
		return
	}

	qs := r.URL.Query()
	qr, err := GenerateQRCodePNG(invoice.PaymentURI(), 512, qs.Get("fg"), qs.Get("bg"))
	if err != nil {
		sendError(w, "GenerateQRCodePNG", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	// The address and amount never change for a given invoice.
	w.Header().Set("Cache-Control", "max-age=900, immutable")
	w.Write(qr)
}

// getInvoice returns the public view of the invoice in the URL
func (t WebAPI) getInvoice(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	idx, ok := indexParam(w, p)
	if !ok {
		return
	}
	invoice, err := t.api.GetInvoice(idx)
	if err != nil {
		sendError(w, "GetInvoice", err)
		return
	}
	sendResponse(w, invoice.ToPublic())
}

// listInvoices returns a page of invoices in index order
func (t WebAPI) listInvoices(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	// optional pagination: cursor comes from the previous response (or zero)
	icursor := 0
	ilimit := 10
	qs := r.URL.Query()
	cursor := qs.Get("cursor")
	var err error
	if cursor != "" {
		icursor, err = strconv.Atoi(cursor)
		if err != nil || icursor < 0 {
			sendBadRequest(w, "invalid cursor in URL")
			return
		}
	}
	limit := qs.Get("limit")
	if limit != "" {
		ilimit, err = strconv.Atoi(limit)
		if err != nil || ilimit < 1 {
			sendBadRequest(w, "invalid limit in URL")
			return
		}
		if ilimit > 100 {
			sendBadRequest(w, "invalid limit in URL (cannot be greater than 100)")
			return
		}
	}
	invoices, err := t.api.ListInvoices(icursor, ilimit)
	if err != nil {
		sendError(w, "ListInvoices", err)
		return
	}
	sendResponse(w, invoices)
}

func indexParam(w http.ResponseWriter, p httprouter.Params) (gate.SubaddressIndex, bool) {
	idx, err := gate.ParseSubaddressIndex(p.ByName("index"))
	if err != nil {
		sendError(w, "index", err)
		return gate.SubaddressIndex{}, false
	}
	if idx.IsPrimary() {
		sendBadRequest(w, "the primary address is not an invoice")
		return gate.SubaddressIndex{}, false
	}
	return idx, true
}
