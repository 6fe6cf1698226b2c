package domain

// domain package contains the domain models of a tuplefab node.
//
// # Assets
//
// Assets are records on the ledger. Once created, they are never deleted.
//
// - `dataManager`: an opener (code reading a data format) with a description.
// Its key is the sha256 of the opener file.
//
// - `dataSample`: a directory of raw data linked to one or more data managers.
// Its key is the content hash of the directory, so the same content always has the same key.
//
// - `objective`: a metrics package plus the reference test data.
//
// - `algo`: a packaged training/testing code. Its key is the sha256 of the package.
//
// # Tuples
//
// Tuples are units of work. They are assets too, and carry a status.
//
// - `traintuple`: trains a model with an algo on data samples,
// starting from the models of zero or more parent traintuples (`inModels`).
//
// - `testtuple`: evaluates the model of a traintuple with the metrics of an objective.
//
// A tuple status only advances:
//
//	waiting -> todo -> training|testing -> done|failed
//
// Transition rules themselves live in `pkg/tuple`.
