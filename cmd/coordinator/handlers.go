package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hacluster/internal/auth"
	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/coordinator"
)

func (a *api) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"watermark": a.coord.Events.Watermark(),
	})
}

// Cluster-internal handlers

func (a *api) handleRegisterAgent(c *gin.Context) {
	var req cluster.RegisterAgentRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.RemoteEndpoint == "" {
		req.RemoteEndpoint = c.ClientIP()
	}
	res, err := a.coord.Agents.RegisterAgent(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *api) handleConnectAgent(c *gin.Context) {
	var req cluster.ConnectAgentRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := a.coord.Agents.ConnectAgent(c.Request.Context(), req.Agent, req.Server); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) handleAgentShutdown(c *gin.Context) {
	var req cluster.AgentRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := a.coord.Agents.AgentShuttingDown(c.Request.Context(), req.Agent); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) handleAgentPing(c *gin.Context) {
	var req cluster.AgentRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := a.coord.Agents.Ping(c.Request.Context(), req.Agent); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) handleAgentFailoverList(c *gin.Context) {
	list, err := a.coord.Agents.GetFailoverList(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (a *api) handleJoin(c *gin.Context) {
	var req cluster.JoinRequest
	if !bindJSON(c, &req) {
		return
	}
	server, err := a.coord.Servers.Join(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (a *api) handleHeartbeat(c *gin.Context) {
	var req cluster.ServerRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := a.coord.Servers.Heartbeat(c.Request.Context(), req.Server); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) handleLeave(c *gin.Context) {
	var req cluster.ServerRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := a.coord.Servers.MarkDown(c.Request.Context(), req.Server); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Servers

func (a *api) handleListServers(c *gin.Context) {
	name, strict, err := nameFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	var modes []cluster.OperationMode
	for _, v := range queryList(c, "mode") {
		mode, err := cluster.ParseOperationMode(v)
		if err != nil {
			badRequest(c, err)
			return
		}
		modes = append(modes, mode)
	}
	sort, err := querySort(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	pc, err := queryPage(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	page, err := a.coord.Servers.FindServers(c.Request.Context(), coordinator.ServerCriteria{
		Name:        name,
		Strict:      strict,
		Modes:       modes,
		Sort:        sort,
		PageControl: pc,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (a *api) handleGetServer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	server, err := a.coord.Servers.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

// handleServerAgents lists the agents whose failover list starts with the
// server.
func (a *api) handleServerAgents(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	agents, err := a.coord.Servers.PrimaryAgents(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

// handleServerHealth reports the check history of one server. Servers that
// were never checked report status unknown.
func (a *api) handleServerHealth(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	server, err := a.coord.Servers.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	health := a.coord.Health.GetServerHealth(server.Name)
	if health == nil {
		health = &cluster.ServerHealth{Server: server.Name, Status: cluster.HealthUnknown}
	}
	c.JSON(http.StatusOK, health)
}

func (a *api) handleHealthReport(c *gin.Context) {
	all := a.coord.Health.GetAllServerHealth()
	out := make([]cluster.ServerHealth, 0, len(all))
	for _, h := range all {
		out = append(out, *h)
	}
	slices.SortFunc(out, func(x, y cluster.ServerHealth) int { return strings.Compare(x.Server, y.Server) })
	c.JSON(http.StatusOK, out)
}

func (a *api) handleSetMode(c *gin.Context) {
	var req cluster.SetModeRequest
	if !bindJSON(c, &req) {
		return
	}
	mode, err := cluster.ParseOperationMode(string(req.Mode))
	if err != nil {
		badRequest(c, err)
		return
	}
	n, err := a.coord.Servers.SetMode(c.Request.Context(), auth.SubjectName(c), req.IDs, mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster.CountResponse{Count: n})
}

func (a *api) handleSetComputePower(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cluster.ComputePowerRequest
	if !bindJSON(c, &req) {
		return
	}
	server, err := a.coord.Servers.SetComputePower(c.Request.Context(), auth.SubjectName(c), id, req.ComputePower)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (a *api) handleDeleteServers(c *gin.Context) {
	var req cluster.IDsRequest
	if !bindJSON(c, &req) {
		return
	}
	n, err := a.coord.Servers.Delete(c.Request.Context(), auth.SubjectName(c), req.IDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster.CountResponse{Count: n})
}

// Agents

func (a *api) handleListAgents(c *gin.Context) {
	name, strict, err := nameFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	criteria := coordinator.AgentCriteria{Name: name, Strict: strict}
	if id, ok, err := queryInt(c, "server_id"); err != nil {
		badRequest(c, err)
		return
	} else if ok {
		criteria.ServerID = &id
	}
	if id, ok, err := queryInt(c, "group_id"); err != nil {
		badRequest(c, err)
		return
	} else if ok {
		criteria.AffinityGroupID = &id
	}
	if criteria.WithoutGroup, err = queryBool(c, "without_group"); err != nil {
		badRequest(c, err)
		return
	}
	if criteria.Sort, err = querySort(c); err != nil {
		badRequest(c, err)
		return
	}
	if criteria.PageControl, err = queryPage(c); err != nil {
		badRequest(c, err)
		return
	}

	page, err := a.coord.Agents.FindAgents(c.Request.Context(), criteria)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// agentView is an agent together with its current failover list.
type agentView struct {
	Agent        cluster.Agent        `json:"agent"`
	FailoverList cluster.FailoverList `json:"failover_list"`
}

func (a *api) handleGetAgent(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := a.coord.Agents.GetAgent(ctx, c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	list, err := a.coord.Agents.GetFailoverList(ctx, agent.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentView{Agent: agent, FailoverList: list})
}

func (a *api) handleDeleteAgent(c *gin.Context) {
	if err := a.coord.Agents.DeleteAgent(c.Request.Context(), auth.SubjectName(c), c.Param("name")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Affinity groups

func (a *api) handleListGroups(c *gin.Context) {
	name, strict, err := nameFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	sort, err := querySort(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	pc, err := queryPage(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	page, err := a.coord.Groups.Find(c.Request.Context(), coordinator.GroupCriteria{
		Name: name, Strict: strict, Sort: sort, PageControl: pc,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (a *api) handleCreateGroup(c *gin.Context) {
	var req cluster.AffinityGroupRequest
	if !bindJSON(c, &req) {
		return
	}
	group, err := a.coord.Groups.Create(c.Request.Context(), auth.SubjectName(c), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

func (a *api) handleGetGroup(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	members, err := a.coord.Groups.Members(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, members)
}

func (a *api) handleRenameGroup(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req cluster.AffinityGroupRequest
	if !bindJSON(c, &req) {
		return
	}
	group, err := a.coord.Groups.Rename(c.Request.Context(), auth.SubjectName(c), id, req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, group)
}

func (a *api) handleDeleteGroups(c *gin.Context) {
	var req cluster.IDsRequest
	if !bindJSON(c, &req) {
		return
	}
	n, err := a.coord.Groups.Delete(c.Request.Context(), auth.SubjectName(c), req.IDs...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster.CountResponse{Count: n})
}

type memberKind int

const (
	agentMembers memberKind = iota
	serverMembers
)

func (a *api) handleGroupMembers(kind memberKind, add bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		var req cluster.IDsRequest
		if !bindJSON(c, &req) {
			return
		}

		groups := a.coord.Groups
		update := groups.RemoveAgents
		switch {
		case kind == agentMembers && add:
			update = groups.AddAgents
		case kind == serverMembers && add:
			update = groups.AddServers
		case kind == serverMembers:
			update = groups.RemoveServers
		}

		n, err := update(c.Request.Context(), auth.SubjectName(c), id, req.IDs)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, cluster.CountResponse{Count: n})
	}
}

// candidates lists the agents and servers that may join a group.
type candidates struct {
	Agents  []cluster.Agent  `json:"agents"`
	Servers []cluster.Server `json:"servers"`
}

func (a *api) handleGroupCandidates(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	agents, err := a.coord.Groups.AgentCandidates(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	servers, err := a.coord.Groups.ServerCandidates(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, candidates{Agents: agents, Servers: servers})
}

// Partition events

func (a *api) eventCriteria(c *gin.Context) (coordinator.EventCriteria, error) {
	var criteria coordinator.EventCriteria
	for _, v := range queryList(c, "type") {
		typ, err := cluster.ParsePartitionEventType(v)
		if err != nil {
			return criteria, err
		}
		criteria.Types = append(criteria.Types, typ)
	}
	for _, v := range queryList(c, "status") {
		status, err := cluster.ParseExecutionStatus(v)
		if err != nil {
			return criteria, err
		}
		criteria.Statuses = append(criteria.Statuses, status)
	}
	criteria.Detail = c.Query("detail")

	var err error
	if criteria.Since, err = queryTime(c, "since"); err != nil {
		return criteria, err
	}
	if criteria.Until, err = queryTime(c, "until"); err != nil {
		return criteria, err
	}
	if criteria.Sort, err = querySort(c); err != nil {
		return criteria, err
	}
	criteria.PageControl, err = queryPage(c)
	return criteria, err
}

func (a *api) handleListEvents(c *gin.Context) {
	criteria, err := a.eventCriteria(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	page, err := a.coord.Events.Find(c.Request.Context(), criteria)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (a *api) handleGetEvent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, fmt.Errorf("invalid id %q", c.Param("id")))
		return
	}
	event, err := a.coord.Events.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (a *api) handleDeleteEvents(c *gin.Context) {
	var req cluster.EventIDsRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	subject := auth.SubjectName(c)

	var n int
	var err error
	if req.All {
		n, err = a.coord.Events.Purge(ctx, subject)
	} else {
		n, err = a.coord.Events.Delete(ctx, subject, req.IDs)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster.CountResponse{Count: n})
}

func (a *api) handleRepartition(c *gin.Context) {
	event, err := a.coord.Repartitioner.RepartitionNow(c.Request.Context(), auth.SubjectName(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// Subjects

func subjectInfo(s auth.Subject) cluster.SubjectInfo {
	return cluster.SubjectInfo{ID: s.ID, Name: s.Name, LDAP: s.LDAP, System: s.System}
}

func (a *api) handleListSubjects(c *gin.Context) {
	all, err := a.subjects.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]cluster.SubjectInfo, 0, len(all))
	for _, s := range all {
		out = append(out, subjectInfo(s))
	}
	c.JSON(http.StatusOK, out)
}

func (a *api) handleCreateSubject(c *gin.Context) {
	var req cluster.CreateSubjectRequest
	if !bindJSON(c, &req) {
		return
	}
	subject, err := a.subjects.Create(c.Request.Context(), req.Name, req.Password, req.LDAP)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, subjectInfo(subject))
}

func (a *api) handleDeleteSubjects(c *gin.Context) {
	var req cluster.IDsRequest
	if !bindJSON(c, &req) {
		return
	}
	n, err := a.subjects.Delete(c.Request.Context(), auth.SubjectName(c), req.IDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster.CountResponse{Count: n})
}

func (a *api) handleChangePassword(c *gin.Context) {
	var req cluster.PasswordRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := a.subjects.ChangePassword(c.Request.Context(), c.Param("name"), req.Password); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
