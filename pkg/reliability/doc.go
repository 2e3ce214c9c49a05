/*
Package reliability computes the unreliability score of attractions (entities)
and venues (groups) from 5-minute status readings.

# Score

	score = Σ weighted down-hours / (effective weight × open hours) × 10

A reading counts toward the numerator when its group is open and the entity
is DOWN. Readings taken while the group is closed are ignored on both sides.
Tier weights are 3, 2 and 1 for tiers 1 to 3; unclassified entities weigh 2.
An entity only contributes weight if it operated within the trailing 7 days.

# Rows

Calculator.Build produces one Aggregate per entity and one per group for a
bucket. Merge folds finer rows into a coarser one: counts and hours are summed,
EffectiveWeight takes the maximum, and the score is recomputed from the totals.
*/
package reliability
