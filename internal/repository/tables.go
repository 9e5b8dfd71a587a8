package repository

import "github.com/doug-martin/goqu/v9"

var (
	// Tables
	scenarioTable   = goqu.T("scenario")
	runHistoryTable = goqu.T("run_history")
	runMetricTable  = goqu.T("run_history_metric")
	schedulerTable  = goqu.T("scheduler")

	// Columns: scenario table
	scenario_id       = goqu.I("scenario.id")
	scenario_userId   = goqu.I("scenario.user_id")
	scenario_name     = goqu.I("scenario.name")
	scenario_vus      = goqu.I("scenario.vus")
	scenario_duration = goqu.I("scenario.duration")
	scenario_flows    = goqu.I("scenario.flows")

	// Columns: run_history table
	runHistory_id         = goqu.I("run_history.id")
	runHistory_scenarioId = goqu.I("run_history.scenario_id")
	runHistory_status     = goqu.I("run_history.status")
	runHistory_runAt      = goqu.I("run_history.run_at")

	// Columns: scheduler table
	scheduler_id         = goqu.I("scheduler.id")
	scheduler_scenarioId = goqu.I("scheduler.scenario_id")
	scheduler_isActive   = goqu.I("scheduler.is_active")
	scheduler_timeEnd    = goqu.I("scheduler.time_end")
)
