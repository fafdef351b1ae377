package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/park-rides/internal/auth"
	"github.com/example/park-rides/internal/catalog"
	"github.com/example/park-rides/internal/models"
	"github.com/example/park-rides/internal/notify"
	"github.com/example/park-rides/internal/queue"
	"github.com/example/park-rides/internal/tickets"
	"github.com/example/park-rides/internal/validation"
)

type authResponse struct {
	Token string         `json:"token"`
	User  auth.Principal `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	caller := principalFrom(r.Context())
	p, err := s.Users.Register(r.Context(), caller, in)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	// an admin creating another account does not switch sessions
	if caller.Role == auth.Admin {
		writeJSON(w, http.StatusCreated, authResponse{User: p})
		return
	}
	s.issue(w, http.StatusCreated, p)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	p, err := s.Users.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.issue(w, http.StatusOK, p)
}

func (s *Server) issue(w http.ResponseWriter, status int, p auth.Principal) {
	token, err := s.Tokens.Issue(p)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, status, authResponse{Token: token, User: p})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := p.RequireMember(); err != nil {
		writeError(w, s.logger, err)
		return
	}
	u, err := s.Users.Get(r.Context(), p.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// changeResponse carries a catalog change and how many users were told.
type changeResponse struct {
	Item     any           `json:"item,omitempty"`
	Notified notify.Report `json:"notified"`
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.Catalog.Rides(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Catalog.Ride(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in catalog.RideInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ride, rep, err := s.Catalog.CreateRide(r.Context(), principalFrom(r.Context()), in)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, changeResponse{Item: ride, Notified: rep})
}

func (s *Server) handleUpdateRide(w http.ResponseWriter, r *http.Request) {
	var in catalog.RideInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	ride, rep, err := s.Catalog.UpdateRide(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, changeResponse{Item: ride, Notified: rep})
}

func (s *Server) handleDeleteRide(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Catalog.DeleteRide(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, changeResponse{Notified: rep})
}

func (s *Server) handleNearbyRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := validation.Coordinate("lat", q.Get("lat"), validation.Latitude)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	lon, err := validation.Coordinate("lon", q.Get("lon"), validation.Longitude)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	radius := 2000.0
	if v := q.Get("radius"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil || radius <= 0 {
			writeError(w, s.logger, validation.New("radius", "must be a positive number of meters"))
			return
		}
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			writeError(w, s.logger, validation.New("limit", "must be a positive integer"))
			return
		}
	}
	rides, err := s.Catalog.Nearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleAddReview(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	rv, err := s.Catalog.AddReview(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"], in.Rating, in.Comment)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rv)
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.Catalog.Packages(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.Catalog.Package(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var in catalog.PackageInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	pkg, rep, err := s.Catalog.CreatePackage(r.Context(), principalFrom(r.Context()), in)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, changeResponse{Item: pkg, Notified: rep})
}

func (s *Server) handleUpdatePackage(w http.ResponseWriter, r *http.Request) {
	var in catalog.PackageInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	pkg, rep, err := s.Catalog.UpdatePackage(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"], in)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, changeResponse{Item: pkg, Notified: rep})
}

func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Catalog.DeletePackage(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, changeResponse{Notified: rep})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.Queue.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, queueMessage{RideID: mux.Vars(r)["id"], Queue: q, Length: len(q)})
}

func (s *Server) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	res, err := s.Queue.Join(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome != queue.Joined {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	res, err := s.Queue.Leave(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.Queue.Position(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"position": pos})
}

func (s *Server) handleBookRide(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.BookRide(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleBookPackage(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.BookPackage(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	list, err := s.Bookings.Rides(r.Context(), principalFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListPackageBookings(w http.ResponseWriter, r *http.Request) {
	list, err := s.Bookings.Packages(r.Context(), principalFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCapturePayment(w http.ResponseWriter, r *http.Request) {
	if err := s.Bookings.CapturePackagePayment(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTicket(kind tickets.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.Tickets.Ticket(r.Context(), principalFrom(r.Context()), kind, mux.Vars(r)["id"])
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		pdf, err := tickets.Render(t)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", "attachment; filename="+t.Filename)
		w.WriteHeader(http.StatusOK)
		w.Write(pdf)
	}
}

func (s *Server) handleVerifyTicket(w http.ResponseWriter, r *http.Request) {
	if err := principalFrom(r.Context()).RequireAdmin(); err != nil {
		writeError(w, s.logger, err)
		return
	}
	var in struct {
		Payload string `json:"payload"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	c, err := s.Signer.Verify(in.Payload)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = p.ID
	}
	list, err := s.Notify.ForUser(r.Context(), p, userID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.Notify.MarkRead(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if err := principalFrom(r.Context()).RequireAdmin(); err != nil {
		writeError(w, s.logger, err)
		return
	}
	var in struct {
		Message string `json:"message"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := validation.Required("message", in.Message); err != nil {
		writeError(w, s.logger, err)
		return
	}
	rep, err := s.Notify.NotifyAll(r.Context(), in.Message)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.Messages.Chats(r.Context(), principalFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Messages.List(r.Context(), principalFrom(r.Context()), mux.Vars(r)["chat_id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Message string `json:"message"`
	}
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	m, err := s.Messages.Send(r.Context(), principalFrom(r.Context()), mux.Vars(r)["chat_id"], in.Message)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type faqInput struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (s *Server) handleListFAQ(w http.ResponseWriter, r *http.Request) {
	list, err := s.FAQ.List(r.Context(), principalFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddFAQ(w http.ResponseWriter, r *http.Request) {
	var in faqInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	f, err := s.FAQ.Add(r.Context(), principalFrom(r.Context()), in.Question, in.Answer)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleUpdateFAQ(w http.ResponseWriter, r *http.Request) {
	var in faqInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, s.logger, err)
		return
	}
	f, err := s.FAQ.Update(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"], in.Question, in.Answer)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFAQ(w http.ResponseWriter, r *http.Request) {
	if err := s.FAQ.Delete(r.Context(), principalFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Analytics.Summary(r.Context(), principalFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	if err := principalFrom(r.Context()).RequireAdmin(); err != nil {
		writeError(w, s.logger, err)
		return
	}
	rep, err := s.Sweeper.Run(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
